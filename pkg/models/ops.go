package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Op identifies one logical façade operation carried over the call bus.
type Op string

const (
	OpDiceRoll    Op = "dice.roll"
	OpMarkerGet   Op = "marker.get"
	OpMarkerSet   Op = "marker.set"
	OpTrackerGet  Op = "tracker.get"
	OpTrackerSet  Op = "tracker.set"
	OpLightingSet Op = "lighting.set"
	OpWeatherSet  Op = "weather.set"
	OpMetaGet     Op = "meta.get"
	OpMetaSet     Op = "meta.set"
)

var ErrUnknownOp = errors.New("unknown operation")

// diceNotation accepts the classic XdY(+/-Z) form, e.g. "2d6+1".
var diceNotation = regexp.MustCompile(`^(\d{1,2})?d(\d{1,3})([+-]\d{1,3})?$`)

type argsValidator interface {
	Validate() error
}

type DiceRollArgs struct {
	Notation string `json:"notation"`
	Hidden   bool   `json:"hidden,omitempty"`
}

func (a DiceRollArgs) Validate() error {
	if !diceNotation.MatchString(strings.TrimSpace(a.Notation)) {
		return fmt.Errorf("invalid dice notation %q", a.Notation)
	}
	return nil
}

type MarkerGetArgs struct {
	TargetID string `json:"targetId"`
	Marker   string `json:"marker"`
}

func (a MarkerGetArgs) Validate() error {
	return requireFields(map[string]string{"targetId": a.TargetID, "marker": a.Marker})
}

type MarkerSetArgs struct {
	TargetID string `json:"targetId"`
	Marker   string `json:"marker"`
	On       bool   `json:"on"`
}

func (a MarkerSetArgs) Validate() error {
	return requireFields(map[string]string{"targetId": a.TargetID, "marker": a.Marker})
}

type TrackerGetArgs struct {
	TargetID string `json:"targetId"`
	Bar      string `json:"bar"`
}

func (a TrackerGetArgs) Validate() error {
	return requireFields(map[string]string{"targetId": a.TargetID, "bar": a.Bar})
}

type TrackerSetArgs struct {
	TargetID string `json:"targetId"`
	Bar      string `json:"bar"`
	Value    int    `json:"value"`
}

func (a TrackerSetArgs) Validate() error {
	return requireFields(map[string]string{"targetId": a.TargetID, "bar": a.Bar})
}

type LightingSetArgs struct {
	Preset string `json:"preset"`
}

func (a LightingSetArgs) Validate() error {
	return requireFields(map[string]string{"preset": a.Preset})
}

type WeatherSetArgs struct {
	Effect string `json:"effect"`
}

func (a WeatherSetArgs) Validate() error {
	return requireFields(map[string]string{"effect": a.Effect})
}

type MetaGetArgs struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

func (a MetaGetArgs) Validate() error {
	return requireFields(map[string]string{"id": a.ID, "key": a.Key})
}

type MetaSetArgs struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (a MetaSetArgs) Validate() error {
	return requireFields(map[string]string{"id": a.ID, "key": a.Key})
}

// ValidateArgs decodes and validates the args payload for the request's
// operation. The switch is exhaustive over the operation union so a new
// operation cannot silently skip validation.
func (r Request) ValidateArgs() error {
	switch r.Op {
	case OpDiceRoll:
		return decodeArgs[DiceRollArgs](r.Args)
	case OpMarkerGet:
		return decodeArgs[MarkerGetArgs](r.Args)
	case OpMarkerSet:
		return decodeArgs[MarkerSetArgs](r.Args)
	case OpTrackerGet:
		return decodeArgs[TrackerGetArgs](r.Args)
	case OpTrackerSet:
		return decodeArgs[TrackerSetArgs](r.Args)
	case OpLightingSet:
		return decodeArgs[LightingSetArgs](r.Args)
	case OpWeatherSet:
		return decodeArgs[WeatherSetArgs](r.Args)
	case OpMetaGet:
		return decodeArgs[MetaGetArgs](r.Args)
	case OpMetaSet:
		return decodeArgs[MetaSetArgs](r.Args)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, string(r.Op))
	}
}

func decodeArgs[T argsValidator](raw json.RawMessage) error {
	var args T
	if len(raw) == 0 {
		return args.Validate()
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return fmt.Errorf("invalid args: %w", err)
	}
	return args.Validate()
}

func requireFields(fields map[string]string) error {
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	return nil
}
