// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package events defines the coordinator's tagged-variant event type
// and the verb table that replaces the source system's string-keyed
// dispatch (spec.md §9: "dynamic dispatch on message verbs is better
// modeled as a tagged-variant event type plus a state-table"). It also
// parses the inbound event-channel wire format (spec.md §6).
package events

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind is the coordinator's internal, exhaustively-matched event
// vocabulary — the canonical form the wire verbs in spec.md §6 map
// onto.
type Kind int

const (
	// KindUnknown is never dispatched; it signals a parse/verb-table miss.
	KindUnknown Kind = iota
	KindConfigure
	KindConfigured
	KindDeconfigure
	KindRecord
	KindTrackStop
	KindRecEnd
	KindReturn
)

func (k Kind) String() string {
	switch k {
	case KindConfigure:
		return "CONFIGURE"
	case KindConfigured:
		return "CONFIGURED"
	case KindDeconfigure:
		return "DECONFIGURE"
	case KindRecord:
		return "RECORD"
	case KindTrackStop:
		return "TRACK_STOP"
	case KindRecEnd:
		return "REC_END"
	case KindReturn:
		return "RETURN"
	default:
		return "UNKNOWN"
	}
}

// verbTable maps the wire verbs from spec.md §6 onto canonical Kinds.
// RETURN is handled separately because it carries extra fields and is
// broadcast rather than routed to one subarray (spec.md §4.3, §9(a)).
var verbTable = map[string]Kind{
	"configure":     KindConfigure,
	"conf_complete": KindConfigured,
	"deconfigure":   KindDeconfigure,
	"tracking":      KindRecord,
	"not-tracking":  KindTrackStop,
	"rec-timeout":   KindRecEnd,
}

// Event is the tagged-variant event the supervisor dispatches to both
// per-subarray FSMs.
type Event struct {
	Kind     Kind
	Subarray string

	// CorrelationID identifies one dispatch for log tracing across both
	// FSMs and the persistence write that follows it (assigned by
	// Parse, one per inbound wire message).
	CorrelationID uuid.UUID

	// Populated only for KindReturn.
	ReturnInstance string
	ReturnCode1    int
	ReturnCode2    int
}

// Parse decodes the wire format "<verb>:<array>[:<data>...]" described
// in spec.md §6 into an Event.
func Parse(raw string) (Event, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 {
		return Event{}, fmt.Errorf("events: malformed message %q", raw)
	}
	verb := parts[0]
	id := uuid.New()

	if verb == "RETURN" {
		if len(parts) != 4 {
			return Event{}, fmt.Errorf("events: malformed RETURN message %q", raw)
		}
		var c1, c2 int
		if _, err := fmt.Sscanf(parts[2], "%d", &c1); err != nil {
			return Event{}, fmt.Errorf("events: bad code1 in %q: %w", raw, err)
		}
		if _, err := fmt.Sscanf(parts[3], "%d", &c2); err != nil {
			return Event{}, fmt.Errorf("events: bad code2 in %q: %w", raw, err)
		}
		return Event{Kind: KindReturn, CorrelationID: id, ReturnInstance: parts[1], ReturnCode1: c1, ReturnCode2: c2}, nil
	}

	kind, ok := verbTable[verb]
	if !ok {
		return Event{}, fmt.Errorf("events: unrecognized verb %q in %q", verb, raw)
	}

	return Event{Kind: kind, Subarray: parts[1], CorrelationID: id}, nil
}
