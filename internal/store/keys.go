package store

import (
	"fmt"

	"codeberg.org/mutker/coolantctl/internal/model"
)

// KeyID enumerates the closed set of entries the store holds.
type KeyID int

const (
	KeyTemperature KeyID = iota
	KeyValvePosition
	KeySystemStatus
	KeyError
	KeyTemperatureSettings

	numKeys
)

var keyNames = [numKeys]string{
	"TEMPERATURE",
	"VALVE_POSITION",
	"SYSTEM_STATUS",
	"ERROR",
	"TEMPERATURE_SETTINGS",
}

func (k KeyID) String() string {
	if k < 0 || k >= numKeys {
		return fmt.Sprintf("KeyID(%d)", int(k))
	}
	return keyNames[k]
}

// AnyKey is satisfied by every typed Key.
type AnyKey interface {
	ID() KeyID
}

// Key is a typed handle binding a KeyID to its value type. Only the
// handles declared in this package exist, so a publish or subscribe with
// the wrong payload type does not compile.
type Key[T any] struct {
	id KeyID
}

func (k Key[T]) ID() KeyID { return k.id }

func (k Key[T]) String() string { return k.id.String() }

var (
	Temperature         = Key[model.TemperatureSample]{id: KeyTemperature}
	ValvePosition       = Key[model.ValvePosition]{id: KeyValvePosition}
	SystemStatus        = Key[model.Status]{id: KeySystemStatus}
	Error               = Key[model.ErrorReport]{id: KeyError}
	TemperatureSettings = Key[model.TemperatureSettings]{id: KeyTemperatureSettings}
)

// Keys lists every key in declaration order.
func Keys() []KeyID {
	ids := make([]KeyID, 0, numKeys)
	for k := KeyID(0); k < numKeys; k++ {
		ids = append(ids, k)
	}
	return ids
}
