// Package event defines the sequenced inputs of the simulation clock.
package event

import (
	"time"

	"backtest_go/internal/domain"
)

// Type discriminates events.
type Type int

const (
	TypeMinute Type = iota + 1
	TypeFill
	TypeSessionEnd
)

func (t Type) String() string {
	switch t {
	case TypeMinute:
		return "MINUTE"
	case TypeFill:
		return "FILL"
	case TypeSessionEnd:
		return "SESSION_END"
	default:
		return "UNKNOWN"
	}
}

// Event is anything the sequencer consumes. Seq numbers are contiguous from 1.
type Event interface {
	GetSeq() uint64
	GetTs() time.Time
	GetType() Type
}

// BaseEvent carries the sequence number and the simulated time.
type BaseEvent struct {
	Seq uint64    `json:"seq"`
	Ts  time.Time `json:"ts"`
}

func (e BaseEvent) GetSeq() uint64   { return e.Seq }
func (e BaseEvent) GetTs() time.Time { return e.Ts }

// MinuteEvent advances the clock to Ts.
type MinuteEvent struct {
	BaseEvent
	Session domain.Session `json:"session"`
}

func (*MinuteEvent) GetType() Type { return TypeMinute }

// FillEvent books a fill reported by the matching engine.
type FillEvent struct {
	BaseEvent
	Fill domain.FillReport `json:"fill"`
}

func (*FillEvent) GetType() Type { return TypeFill }

// SessionEndEvent closes Session after its last minute.
type SessionEndEvent struct {
	BaseEvent
	Session domain.Session `json:"session"`
}

func (*SessionEndEvent) GetType() Type { return TypeSessionEnd }
