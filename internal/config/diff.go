package config

// Diff describes what changed between two configs.
// Only fields that can be acted on without a process restart are tracked.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged is true when any agent field changed. Agent changes take
	// effect on the next session start, not on the running session.
	AgentChanged bool

	// AudioChanged is true when any audio parameter changed. Audio changes
	// require reopening the devices and therefore a restart.
	AudioChanged bool

	ScriptChanged bool
}

// Compare returns what changed between the old and new configs.
func Compare(old, new *Config) Diff {
	d := Diff{}
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}
	if old.Agent != new.Agent {
		d.AgentChanged = true
	}
	if old.Audio != new.Audio {
		d.AudioChanged = true
	}
	if old.Script != new.Script {
		d.ScriptChanged = true
	}
	return d
}

// Empty reports whether the diff contains no changes.
func (d Diff) Empty() bool {
	return d == Diff{}
}
