package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/smartlink/internal/bus"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var defaultWatchPrefixes = []string{"chat.", "message.", "contact.", "connection."}

// Watch streams bus events until the client goes away.
func (s *MessageService) Watch(ctx context.Context, req *WatchRequest, send func(*Envelope) error) error {
	prefixes := req.Prefixes
	if len(prefixes) == 0 {
		prefixes = defaultWatchPrefixes
	}
	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if !matches(evt.Kind, prefixes) {
				continue
			}
			env, err := s.envelope(evt)
			if err != nil {
				return err
			}
			if err := send(env); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func matches(kind string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(kind, p) {
			return true
		}
	}
	return false
}

func (s *MessageService) envelope(evt bus.Event) (*Envelope, error) {
	payload, err := marshalPayload(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", evt.Kind, err)
	}
	return &Envelope{
		EventID:          uuid.NewString(),
		Profile:          s.profile,
		Kind:             evt.Kind,
		OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
		PayloadVersion:   1,
		Payload:          payload,
	}, nil
}

// marshalPayload encodes a payload as a protobuf Struct built from its JSON
// form. Non-object payloads land under "value".
func marshalPayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if err, ok := v.(error); ok {
		v = map[string]string{"error": err.Error()}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, err
		}
		fields = map[string]any{"value": value}
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// DecodePayload is the inverse of the envelope encoding.
func DecodePayload(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return st.AsMap(), nil
}
