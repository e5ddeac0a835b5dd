// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package portal

import (
	"encoding/json"
	"fmt"
)

// envelope is the five-element array every Phoenix channel message is
// framed as on the wire: [join_ref, ref, topic, event, payload]. Both
// refs are nullable strings; Phoenix uses null join_ref for messages
// that aren't tied to a particular join (e.g. heartbeats).
type envelope struct {
	JoinRef *string
	Ref     *string
	Topic   string
	Event   string
	Payload json.RawMessage
}

func (e envelope) MarshalJSON() ([]byte, error) {
	arr := [5]any{e.JoinRef, e.Ref, e.Topic, e.Event, e.Payload}
	return json.Marshal(arr)
}

func (e *envelope) UnmarshalJSON(b []byte) error {
	var arr [5]json.RawMessage
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("portal: malformed phoenix frame: %w", err)
	}
	if err := json.Unmarshal(arr[0], &e.JoinRef); err != nil {
		return err
	}
	if err := json.Unmarshal(arr[1], &e.Ref); err != nil {
		return err
	}
	if err := json.Unmarshal(arr[2], &e.Topic); err != nil {
		return err
	}
	if err := json.Unmarshal(arr[3], &e.Event); err != nil {
		return err
	}
	e.Payload = arr[4]
	return nil
}

func strPtr(s string) *string { return &s }
