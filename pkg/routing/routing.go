// Package routing encodes and decodes the hierarchical topic routing keys shared
// by devices, applications and the historian.
//
// Grammar: <deviceId>.<class>[.<objectId>] where class is one of
// C (command), CR (command response), O (observation), P (device pulse),
// AP.<pulseId> (application pulse) or SN (system notification).
package routing

import (
	"strconv"
	"strings"
)

// Category is the semantic class of a message carried in its routing key.
type Category int

const (
	// Unknown is returned for any key that does not follow the grammar.
	Unknown Category = iota
	Observation
	Command
	CommandResponse
	DevicePulse
	ApplicationPulse
	SystemNotification
)

// Wildcard matches zero or more words in a subscription-side binding key.
const Wildcard = "#"

// Word matches exactly one word in a subscription-side binding key.
const Word = "*"

const (
	classCommand            = "C"
	classCommandResponse    = "CR"
	classObservation        = "O"
	classDevicePulse        = "P"
	classApplicationPulse   = "AP"
	classSystemNotification = "SN"
)

// String returns the class token of the category.
func (c Category) String() string {
	switch c {
	case Observation:
		return classObservation
	case Command:
		return classCommand
	case CommandResponse:
		return classCommandResponse
	case DevicePulse:
		return classDevicePulse
	case ApplicationPulse:
		return classApplicationPulse
	case SystemNotification:
		return classSystemNotification
	default:
		return "unknown"
	}
}

// Key is a decoded routing key.
type Key struct {
	DeviceID string
	ObjectID int64
	Category Category
}

// String re-encodes the key. It returns "" for an Unknown key.
func (k Key) String() string {
	switch k.Category {
	case Observation:
		return ObservationKey(k.DeviceID, k.ObjectID)
	case Command:
		return CommandKey(k.DeviceID, k.ObjectID)
	case CommandResponse:
		return CommandResponseKey(k.DeviceID, k.ObjectID)
	case DevicePulse:
		return DevicePulseKey(k.DeviceID)
	case ApplicationPulse:
		return ApplicationPulseKey(k.DeviceID, k.ObjectID)
	case SystemNotification:
		return SystemNotificationKey(k.DeviceID)
	default:
		return ""
	}
}

// Valid reports whether the key decoded to a known category with a valid device.
func (k Key) Valid() bool {
	return k.Category != Unknown && ValidDeviceID(k.DeviceID)
}

func join(parts ...string) string {
	return strings.Join(parts, ".")
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}

// ObservationKey is the key a device publishes observation obsID under.
func ObservationKey(deviceID string, obsID int64) string {
	return join(deviceID, classObservation, id(obsID))
}

// CommandKey is the key of command cmdID addressed to deviceID.
func CommandKey(deviceID string, cmdID int64) string {
	return join(deviceID, classCommand, id(cmdID))
}

// CommandResponseKey is the key a device answers command cmdID with.
func CommandResponseKey(deviceID string, cmdID int64) string {
	return join(deviceID, classCommandResponse, id(cmdID))
}

// DevicePulseKey is the key of the device's liveness pulse. It carries no
// object segment; the device pulse is pulse 0.
func DevicePulseKey(deviceID string) string {
	return join(deviceID, classDevicePulse)
}

// ApplicationPulseKey is the key of application pulse pulseID sent to deviceID.
func ApplicationPulseKey(deviceID string, pulseID int64) string {
	return join(deviceID, classApplicationPulse, id(pulseID))
}

// SystemNotificationKey is the key of a platform notification about deviceID.
func SystemNotificationKey(deviceID string) string {
	return join(deviceID, classSystemNotification)
}

func deviceOrWord(deviceID string) string {
	if deviceID == "" {
		return Word
	}
	return deviceID
}

// AllObservations matches every observation of deviceID, or of any device
// when deviceID is empty.
func AllObservations(deviceID string) string {
	return join(deviceOrWord(deviceID), classObservation, Wildcard)
}

// AllCommands matches every command addressed to deviceID (any device if empty).
func AllCommands(deviceID string) string {
	return join(deviceOrWord(deviceID), classCommand, Wildcard)
}

// AllCommandResponses matches every command response of deviceID (any device if empty).
func AllCommandResponses(deviceID string) string {
	return join(deviceOrWord(deviceID), classCommandResponse, Wildcard)
}

// AllDevicePulses matches the liveness pulse of deviceID (any device if empty).
func AllDevicePulses(deviceID string) string {
	return join(deviceOrWord(deviceID), classDevicePulse)
}

// AllApplicationPulses matches every application pulse sent to deviceID (any device if empty).
func AllApplicationPulses(deviceID string) string {
	return join(deviceOrWord(deviceID), classApplicationPulse, Word)
}

// AllSystemNotifications matches notifications about deviceID (any device if empty).
func AllSystemNotifications(deviceID string) string {
	return join(deviceOrWord(deviceID), classSystemNotification, Wildcard)
}

// AllOfDevice matches every key of deviceID (everything when empty).
func AllOfDevice(deviceID string) string {
	if deviceID == "" {
		return Wildcard
	}
	return join(deviceID, Wildcard)
}

// Parse decodes a routing key. It never panics; malformed keys decode to a Key
// with Category Unknown and zero identifiers.
func Parse(key string) Key {
	parts := strings.Split(key, ".")
	if len(parts) < 2 || !ValidDeviceID(parts[0]) {
		return Key{}
	}

	k := Key{DeviceID: parts[0]}
	switch parts[1] {
	case classObservation:
		k.Category = Observation
	case classCommand:
		k.Category = Command
	case classCommandResponse:
		k.Category = CommandResponse
	case classDevicePulse:
		if len(parts) != 2 {
			return Key{}
		}
		k.Category = DevicePulse
		return k
	case classApplicationPulse:
		k.Category = ApplicationPulse
	case classSystemNotification:
		if len(parts) != 2 {
			return Key{}
		}
		k.Category = SystemNotification
		return k
	default:
		return Key{}
	}

	if len(parts) != 3 {
		return Key{}
	}
	objID, ok := parseObjectID(parts[2])
	if !ok {
		return Key{}
	}
	// Id 0 is reserved for the device pulse, which is "<mid>.P".
	if objID == 0 {
		return Key{}
	}
	k.ObjectID = objID
	return k
}

func parseObjectID(s string) (int64, bool) {
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	// Reject leading zeros so that encode(parse(k)) == k.
	if strconv.FormatInt(v, 10) != s {
		return 0, false
	}
	return v, true
}

// DeviceID extracts the device id from key, or "" when key is malformed.
func DeviceID(key string) string {
	return Parse(key).DeviceID
}

// ObjectID extracts the observation, command or pulse id from key, or 0 when
// key is malformed or carries none.
func ObjectID(key string) int64 {
	return Parse(key).ObjectID
}

// CategoryOf returns the category of key, or Unknown when key is malformed.
func CategoryOf(key string) Category {
	return Parse(key).Category
}

// ValidDeviceID reports whether s is 8 to 16 uppercase letters or digits.
func ValidDeviceID(s string) bool {
	if len(s) < 8 || len(s) > 16 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
