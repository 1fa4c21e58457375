// Package codec turns raw transport messages into typed feed events.
//
// Binary messages carry one image frame in a fixed envelope:
//
//	offset  size  field
//	0       8     camera_id  (uint64, big endian, > 0)
//	8       8     timestamp  (uint64, big endian, <= math.MaxInt64)
//	16      n     image bytes (n > 0)
//
// Text messages carry JSON. A topology change has exactly one of the keys
// "Added", "Removed" or "Updated", each holding {"camera_id": n}. A text image
// container has "camera_id", "timestamp" and "image_bytes" (array of octets or
// a base64 string).
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// HeaderSize is the length of the binary image envelope header.
const HeaderSize = 16

// Decode parses one raw message. It has no side effects.
func Decode(msgType MessageType, raw []byte) (Event, error) {
	switch msgType {
	case BinaryMessage:
		return decodeBinary(raw)
	case TextMessage:
		return decodeText(raw)
	default:
		return nil, malformed(msgType, "unsupported message framing")
	}
}

func decodeBinary(raw []byte) (Event, error) {
	if len(raw) < HeaderSize {
		return nil, malformed(BinaryMessage, fmt.Sprintf("envelope too short: %d bytes", len(raw)))
	}

	id := binary.BigEndian.Uint64(raw[0:8])
	if id == 0 || id > math.MaxInt64 {
		return nil, malformed(BinaryMessage, fmt.Sprintf("camera_id %d is not a positive integer", id))
	}

	ts := binary.BigEndian.Uint64(raw[8:16])
	if ts > math.MaxInt64 {
		return nil, malformed(BinaryMessage, "timestamp out of range")
	}

	payload := raw[HeaderSize:]
	if len(payload) == 0 {
		return nil, malformed(BinaryMessage, "empty image payload")
	}

	// The transport may reuse its read buffer.
	data := make([]byte, len(payload))
	copy(data, payload)

	return ImageFrame{
		Camera:    CameraID(id),
		Timestamp: int64(ts),
		Bytes:     data,
	}, nil
}

func decodeText(raw []byte) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, malformed(TextMessage, "invalid JSON object: "+err.Error())
	}
	if fields == nil {
		return nil, malformed(TextMessage, "expected a JSON object")
	}

	if _, ok := fields["image_bytes"]; ok {
		return decodeImageContainer(fields)
	}
	return decodeTopology(fields)
}

func decodeTopology(fields map[string]json.RawMessage) (Event, error) {
	if len(fields) != 1 {
		return nil, malformed(TextMessage, fmt.Sprintf("topology change must have exactly one key, got %d", len(fields)))
	}

	var (
		key  string
		body json.RawMessage
	)
	for k, v := range fields {
		key, body = k, v
	}

	var kind ChangeKind
	switch key {
	case "Added":
		kind = Added
	case "Removed":
		kind = Removed
	case "Updated":
		kind = Updated
	default:
		return nil, malformed(TextMessage, fmt.Sprintf("unknown topology kind %q", key))
	}

	var inner map[string]json.RawMessage
	if err := json.Unmarshal(body, &inner); err != nil || inner == nil {
		return nil, malformed(TextMessage, key+" body must be an object")
	}

	id, err := positiveInt(inner, "camera_id")
	if err != nil {
		return nil, err
	}

	return TopologyChange{Kind: kind, Camera: CameraID(id)}, nil
}

func decodeImageContainer(fields map[string]json.RawMessage) (Event, error) {
	id, err := positiveInt(fields, "camera_id")
	if err != nil {
		return nil, err
	}

	ts, err := nonNegativeInt(fields, "timestamp")
	if err != nil {
		return nil, err
	}

	data, err := imageBytes(fields["image_bytes"])
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, malformed(TextMessage, "empty image_bytes")
	}

	return ImageFrame{Camera: CameraID(id), Timestamp: ts, Bytes: data}, nil
}

func imageBytes(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return nil, malformed(TextMessage, "image_bytes: "+err.Error())
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, malformed(TextMessage, "image_bytes is not valid base64")
		}
		return data, nil
	}

	var octets []int
	if err := json.Unmarshal(trimmed, &octets); err != nil {
		return nil, malformed(TextMessage, "image_bytes must be an array of octets")
	}

	data := make([]byte, len(octets))
	for i, v := range octets {
		if v < 0 || v > 255 {
			return nil, malformed(TextMessage, fmt.Sprintf("image_bytes[%d] = %d is not an octet", i, v))
		}
		data[i] = byte(v)
	}
	return data, nil
}

func integerField(fields map[string]json.RawMessage, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, malformed(TextMessage, "missing "+name)
	}

	// json.Number also accepts a quoted string
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || (trimmed[0] != '-' && (trimmed[0] < '0' || trimmed[0] > '9')) {
		return 0, malformed(TextMessage, name+" must be a number")
	}

	var num json.Number
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&num); err != nil {
		return 0, malformed(TextMessage, name+" must be a number")
	}

	v, err := strconv.ParseInt(num.String(), 10, 64)
	if err != nil {
		return 0, malformed(TextMessage, name+" must be an integer")
	}
	return v, nil
}

func positiveInt(fields map[string]json.RawMessage, name string) (int64, error) {
	v, err := integerField(fields, name)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, malformed(TextMessage, fmt.Sprintf("%s %d is not a positive integer", name, v))
	}
	return v, nil
}

func nonNegativeInt(fields map[string]json.RawMessage, name string) (int64, error) {
	v, err := integerField(fields, name)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, malformed(TextMessage, fmt.Sprintf("%s %d is negative", name, v))
	}
	return v, nil
}

// EncodeImageFrame builds the binary envelope for a frame.
func EncodeImageFrame(frame ImageFrame) ([]byte, error) {
	if frame.Camera <= 0 {
		return nil, fmt.Errorf("invalid camera id %d", frame.Camera)
	}
	if frame.Timestamp < 0 {
		return nil, fmt.Errorf("invalid timestamp %d", frame.Timestamp)
	}
	if len(frame.Bytes) == 0 {
		return nil, fmt.Errorf("empty image payload")
	}

	buf := make([]byte, HeaderSize+len(frame.Bytes))
	binary.BigEndian.PutUint64(buf[0:8], uint64(frame.Camera))
	binary.BigEndian.PutUint64(buf[8:16], uint64(frame.Timestamp))
	copy(buf[HeaderSize:], frame.Bytes)
	return buf, nil
}

type cameraRef struct {
	CameraID CameraID `json:"camera_id"`
}

// EncodeTopologyChange builds the JSON text form of a topology change.
func EncodeTopologyChange(change TopologyChange) ([]byte, error) {
	switch change.Kind {
	case Added, Removed, Updated:
	default:
		return nil, fmt.Errorf("unknown topology kind %v", change.Kind)
	}
	if change.Camera <= 0 {
		return nil, fmt.Errorf("invalid camera id %d", change.Camera)
	}
	return json.Marshal(map[string]cameraRef{
		change.Kind.String(): {CameraID: change.Camera},
	})
}
