package telemetry

import "fmt"

// LayoutVersion identifies the channel table below. Bump it whenever an
// offset, width or channel is changed so recorded logs can be told apart.
const LayoutVersion = 1

const (
	// StandardLength is the size of a "sled" datagram.
	StandardLength = 232
	// DashboardLength is the size of an FH5 "dash" datagram: the sled block,
	// 12 undocumented bytes at 232..243, the dash block at 244..322 and one
	// byte of padding.
	DashboardLength = 324

	raceOnOffset = 0
)

// Kind is the wire type of a channel.
type Kind uint8

const (
	KindS32 Kind = iota + 1
	KindU32
	KindF32
	KindU16
	KindU8
	KindS8
)

// Width returns the number of bytes the kind occupies on the wire.
func (k Kind) Width() int {
	switch k {
	case KindS32, KindU32, KindF32:
		return 4
	case KindU16:
		return 2
	case KindU8, KindS8:
		return 1
	default:
		return 0
	}
}

// IsFloat reports whether values of this kind are IEEE-754.
func (k Kind) IsFloat() bool { return k == KindF32 }

func (k Kind) String() string {
	switch k {
	case KindS32:
		return "s32"
	case KindU32:
		return "u32"
	case KindF32:
		return "f32"
	case KindU16:
		return "u16"
	case KindU8:
		return "u8"
	case KindS8:
		return "s8"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ChannelSpec describes where a channel lives in a datagram.
type ChannelSpec struct {
	Name          string
	Offset        int
	Kind          Kind
	DashboardOnly bool
}

// Channel indexes the channel table. The order of these constants is the
// order of the table and of the session log columns.
type Channel int

const (
	TimestampMS Channel = iota
	EngineMaxRPM
	EngineIdleRPM
	CurrentEngineRPM
	AccelerationX
	AccelerationY
	AccelerationZ
	VelocityX
	VelocityY
	VelocityZ
	AngularVelocityX
	AngularVelocityY
	AngularVelocityZ
	Yaw
	Pitch
	Roll
	NormSuspensionTravelFL
	NormSuspensionTravelFR
	NormSuspensionTravelRL
	NormSuspensionTravelRR
	TireSlipRatioFL
	TireSlipRatioFR
	TireSlipRatioRL
	TireSlipRatioRR
	WheelRotationSpeedFL
	WheelRotationSpeedFR
	WheelRotationSpeedRL
	WheelRotationSpeedRR
	WheelOnRumbleStripFL
	WheelOnRumbleStripFR
	WheelOnRumbleStripRL
	WheelOnRumbleStripRR
	WheelInPuddleFL
	WheelInPuddleFR
	WheelInPuddleRL
	WheelInPuddleRR
	SurfaceRumbleFL
	SurfaceRumbleFR
	SurfaceRumbleRL
	SurfaceRumbleRR
	TireSlipAngleFL
	TireSlipAngleFR
	TireSlipAngleRL
	TireSlipAngleRR
	TireCombinedSlipFL
	TireCombinedSlipFR
	TireCombinedSlipRL
	TireCombinedSlipRR
	SuspensionTravelMetersFL
	SuspensionTravelMetersFR
	SuspensionTravelMetersRL
	SuspensionTravelMetersRR
	CarOrdinal
	CarClass
	CarPerformanceIndex
	DrivetrainType
	NumCylinders

	// Dashboard-only channels.
	PositionX
	PositionY
	PositionZ
	Speed
	Power
	Torque
	TireTempFL
	TireTempFR
	TireTempRL
	TireTempRR
	Boost
	Fuel
	DistanceTraveled
	BestLapTime
	LastLapTime
	CurrentLapTime
	CurrentRaceTime
	LapNumber
	RacePosition
	Accel
	Brake
	Clutch
	HandBrake
	Gear
	Steer
	NormDrivingLine
	NormAIBrakeDiff

	NumChannels
)

// layout is the decode contract. Offsets are absolute positions in the
// datagram; dashboard offsets assume the 324 byte FH5 packet.
var layout = [NumChannels]ChannelSpec{
	TimestampMS:      {"timestamp_ms", 4, KindU32, false},
	EngineMaxRPM:     {"engine_max_rpm", 8, KindF32, false},
	EngineIdleRPM:    {"engine_idle_rpm", 12, KindF32, false},
	CurrentEngineRPM: {"current_engine_rpm", 16, KindF32, false},
	AccelerationX:    {"acceleration_x", 20, KindF32, false},
	AccelerationY:    {"acceleration_y", 24, KindF32, false},
	AccelerationZ:    {"acceleration_z", 28, KindF32, false},
	VelocityX:        {"velocity_x", 32, KindF32, false},
	VelocityY:        {"velocity_y", 36, KindF32, false},
	VelocityZ:        {"velocity_z", 40, KindF32, false},
	AngularVelocityX: {"angular_velocity_x", 44, KindF32, false},
	AngularVelocityY: {"angular_velocity_y", 48, KindF32, false},
	AngularVelocityZ: {"angular_velocity_z", 52, KindF32, false},
	Yaw:              {"yaw", 56, KindF32, false},
	Pitch:            {"pitch", 60, KindF32, false},
	Roll:             {"roll", 64, KindF32, false},

	NormSuspensionTravelFL: {"norm_suspension_travel_FL", 68, KindF32, false},
	NormSuspensionTravelFR: {"norm_suspension_travel_FR", 72, KindF32, false},
	NormSuspensionTravelRL: {"norm_suspension_travel_RL", 76, KindF32, false},
	NormSuspensionTravelRR: {"norm_suspension_travel_RR", 80, KindF32, false},

	TireSlipRatioFL: {"tire_slip_ratio_FL", 84, KindF32, false},
	TireSlipRatioFR: {"tire_slip_ratio_FR", 88, KindF32, false},
	TireSlipRatioRL: {"tire_slip_ratio_RL", 92, KindF32, false},
	TireSlipRatioRR: {"tire_slip_ratio_RR", 96, KindF32, false},

	WheelRotationSpeedFL: {"wheel_rotation_speed_FL", 100, KindF32, false},
	WheelRotationSpeedFR: {"wheel_rotation_speed_FR", 104, KindF32, false},
	WheelRotationSpeedRL: {"wheel_rotation_speed_RL", 108, KindF32, false},
	WheelRotationSpeedRR: {"wheel_rotation_speed_RR", 112, KindF32, false},

	WheelOnRumbleStripFL: {"wheel_on_rumble_strip_FL", 116, KindS32, false},
	WheelOnRumbleStripFR: {"wheel_on_rumble_strip_FR", 120, KindS32, false},
	WheelOnRumbleStripRL: {"wheel_on_rumble_strip_RL", 124, KindS32, false},
	WheelOnRumbleStripRR: {"wheel_on_rumble_strip_RR", 128, KindS32, false},

	WheelInPuddleFL: {"wheel_in_puddle_FL", 132, KindF32, false},
	WheelInPuddleFR: {"wheel_in_puddle_FR", 136, KindF32, false},
	WheelInPuddleRL: {"wheel_in_puddle_RL", 140, KindF32, false},
	WheelInPuddleRR: {"wheel_in_puddle_RR", 144, KindF32, false},

	SurfaceRumbleFL: {"surface_rumble_FL", 148, KindF32, false},
	SurfaceRumbleFR: {"surface_rumble_FR", 152, KindF32, false},
	SurfaceRumbleRL: {"surface_rumble_RL", 156, KindF32, false},
	SurfaceRumbleRR: {"surface_rumble_RR", 160, KindF32, false},

	TireSlipAngleFL: {"tire_slip_angle_FL", 164, KindF32, false},
	TireSlipAngleFR: {"tire_slip_angle_FR", 168, KindF32, false},
	TireSlipAngleRL: {"tire_slip_angle_RL", 172, KindF32, false},
	TireSlipAngleRR: {"tire_slip_angle_RR", 176, KindF32, false},

	TireCombinedSlipFL: {"tire_combined_slip_FL", 180, KindF32, false},
	TireCombinedSlipFR: {"tire_combined_slip_FR", 184, KindF32, false},
	TireCombinedSlipRL: {"tire_combined_slip_RL", 188, KindF32, false},
	TireCombinedSlipRR: {"tire_combined_slip_RR", 192, KindF32, false},

	SuspensionTravelMetersFL: {"suspension_travel_meters_FL", 196, KindF32, false},
	SuspensionTravelMetersFR: {"suspension_travel_meters_FR", 200, KindF32, false},
	SuspensionTravelMetersRL: {"suspension_travel_meters_RL", 204, KindF32, false},
	SuspensionTravelMetersRR: {"suspension_travel_meters_RR", 208, KindF32, false},

	CarOrdinal:          {"car_ordinal", 212, KindS32, false},
	CarClass:            {"car_class", 216, KindS32, false},
	CarPerformanceIndex: {"car_performance_index", 220, KindS32, false},
	DrivetrainType:      {"drivetrain_type", 224, KindS32, false},
	NumCylinders:        {"num_cylinders", 228, KindS32, false},

	PositionX:        {"position_x", 244, KindF32, true},
	PositionY:        {"position_y", 248, KindF32, true},
	PositionZ:        {"position_z", 252, KindF32, true},
	Speed:            {"speed", 256, KindF32, true},
	Power:            {"power", 260, KindF32, true},
	Torque:           {"torque", 264, KindF32, true},
	TireTempFL:       {"tire_temp_FL", 268, KindF32, true},
	TireTempFR:       {"tire_temp_FR", 272, KindF32, true},
	TireTempRL:       {"tire_temp_RL", 276, KindF32, true},
	TireTempRR:       {"tire_temp_RR", 280, KindF32, true},
	Boost:            {"boost", 284, KindF32, true},
	Fuel:             {"fuel", 288, KindF32, true},
	DistanceTraveled: {"dist_traveled", 292, KindF32, true},
	BestLapTime:      {"best_lap_time", 296, KindF32, true},
	LastLapTime:      {"last_lap_time", 300, KindF32, true},
	CurrentLapTime:   {"cur_lap_time", 304, KindF32, true},
	CurrentRaceTime:  {"cur_race_time", 308, KindF32, true},
	LapNumber:        {"lap_no", 312, KindU16, true},
	RacePosition:     {"race_pos", 314, KindU8, true},
	Accel:            {"accel", 315, KindU8, true},
	Brake:            {"brake", 316, KindU8, true},
	Clutch:           {"clutch", 317, KindU8, true},
	HandBrake:        {"handbrake", 318, KindU8, true},
	Gear:             {"gear", 319, KindU8, true},
	Steer:            {"steer", 320, KindS8, true},
	NormDrivingLine:  {"norm_driving_line", 321, KindS8, true},
	NormAIBrakeDiff:  {"norm_ai_brake_diff", 322, KindS8, true},
}

var channelsByName = func() map[string]Channel {
	m := make(map[string]Channel, NumChannels)
	for i, spec := range layout {
		m[spec.Name] = Channel(i)
	}
	return m
}()

// Spec returns the table entry for c.
func (c Channel) Spec() ChannelSpec {
	if c < 0 || c >= NumChannels {
		return ChannelSpec{}
	}
	return layout[c]
}

// Name returns the log column name for c.
func (c Channel) Name() string { return c.Spec().Name }

func (c Channel) String() string {
	if name := c.Name(); name != "" {
		return name
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// Valid reports whether c indexes the table.
func (c Channel) Valid() bool { return c >= 0 && c < NumChannels }

// ChannelByName looks up a channel by its column name.
func ChannelByName(name string) (Channel, bool) {
	c, ok := channelsByName[name]
	return c, ok
}

// Channels returns a copy of the channel table in column order.
func Channels() []ChannelSpec {
	out := make([]ChannelSpec, NumChannels)
	copy(out, layout[:])
	return out
}

// ChannelNames returns every channel name in column order.
func ChannelNames() []string {
	names := make([]string, NumChannels)
	for i, spec := range layout {
		names[i] = spec.Name
	}
	return names
}

// PacketFormat is the datagram variant a frame was decoded from.
type PacketFormat uint8

const (
	FormatStandard PacketFormat = iota + 1
	FormatDashboard
)

func (f PacketFormat) String() string {
	switch f {
	case FormatStandard:
		return "standard"
	case FormatDashboard:
		return "dashboard"
	default:
		return "unknown"
	}
}

// ParsePacketFormat is the inverse of PacketFormat.String.
func ParsePacketFormat(s string) (PacketFormat, error) {
	switch s {
	case "standard":
		return FormatStandard, nil
	case "dashboard":
		return FormatDashboard, nil
	default:
		return 0, fmt.Errorf("unknown packet format %q", s)
	}
}

// Length returns the datagram size of the format.
func (f PacketFormat) Length() int {
	switch f {
	case FormatStandard:
		return StandardLength
	case FormatDashboard:
		return DashboardLength
	default:
		return 0
	}
}

// Has reports whether channel c is carried by this format.
func (f PacketFormat) Has(c Channel) bool {
	if !c.Valid() {
		return false
	}
	switch f {
	case FormatDashboard:
		return true
	case FormatStandard:
		return !layout[c].DashboardOnly
	default:
		return false
	}
}
