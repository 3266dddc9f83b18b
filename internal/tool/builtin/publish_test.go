// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package builtin

import (
	"context"
	"errors"
	"testing"

	"task-orchestrator/internal/eventlog"
	"task-orchestrator/internal/pipeline"
)

func TestPublishTool(t *testing.T) {
	archive := eventlog.NewMemoryArchive()
	pub := &eventlog.Publisher{Log: eventlog.NewMemoryLog(), Archive: archive}
	tl := NewPublishTool(pub)

	out, err := tl.Invoke(context.Background(), map[string]any{
		"topic":   "orders:paid",
		"payload": map[string]any{"order_id": "o-1"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	m := out.(map[string]any)
	if m["event_id"] == "" || m["topic"] != "orders:paid" {
		t.Errorf("output = %v", m)
	}

	// 发布同时落 archive
	events, err := archive.ListByTopic(context.Background(), "orders:paid", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("archived %d events, want 1", len(events))
	}
	if events[0].Payload["order_id"] != "o-1" {
		t.Errorf("archived payload = %v", events[0].Payload)
	}
}

func TestPublishToolBadTopic(t *testing.T) {
	tl := NewPublishTool(&eventlog.Publisher{Log: eventlog.NewMemoryLog()})
	for _, topic := range []any{"", "HAS UPPER", nil} {
		_, err := tl.Invoke(context.Background(), map[string]any{"topic": topic})
		if !errors.Is(err, pipeline.ErrPermanent) {
			t.Errorf("topic %v: got %v, want permanent", topic, err)
		}
	}
}
