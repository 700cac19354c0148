package config

// ConfigDiff describes what changed between two configs. Only fields that
// the Cross-Process Coordination hot-reload path can safely act on are
// tracked.
type ConfigDiff struct {
	CharactersChanged bool // true if any character's prompt, voice, or flags changed
	CharacterChanges  []CharacterDiff
	LogLevelChanged   bool
	NewLogLevel       LogLevel
}

// CharacterDiff describes what changed for a single character between two
// configs. [internal/coordination]'s hot-reload path uses AgentFlagsChanged
// and VoiceChanged to decide whether a character's Session Manager can be
// updated in place (preserve) or must be torn down and reinitialised
// (replace).
type CharacterDiff struct {
	Name               string
	SystemPromptChanged bool
	VoiceChanged        bool
	AgentFlagsChanged   bool
	Added               bool
	Removed             bool
}

// Diff compares old and new configs and returns what changed. Only tracks
// changes relevant to deciding a hot-reload strategy without a full process
// restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldChars := make(map[string]*CharacterConfig, len(old.Characters))
	for i := range old.Characters {
		oldChars[old.Characters[i].Name] = &old.Characters[i]
	}
	newChars := make(map[string]*CharacterConfig, len(new.Characters))
	for i := range new.Characters {
		newChars[new.Characters[i].Name] = &new.Characters[i]
	}

	for name, oldCh := range oldChars {
		newCh, exists := newChars[name]
		if !exists {
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{Name: name, Removed: true})
			d.CharactersChanged = true
			continue
		}
		cd := diffCharacter(name, oldCh, newCh)
		if cd.SystemPromptChanged || cd.VoiceChanged || cd.AgentFlagsChanged {
			d.CharacterChanges = append(d.CharacterChanges, cd)
			d.CharactersChanged = true
		}
	}

	for name := range newChars {
		if _, exists := oldChars[name]; !exists {
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{Name: name, Added: true})
			d.CharactersChanged = true
		}
	}

	return d
}

// diffCharacter compares two character configs with the same name.
func diffCharacter(name string, old, new *CharacterConfig) CharacterDiff {
	cd := CharacterDiff{Name: name}

	if old.SystemPrompt != new.SystemPrompt {
		cd.SystemPromptChanged = true
	}
	if old.VoiceID != new.VoiceID {
		cd.VoiceChanged = true
	}
	if old.AgentFlags != new.AgentFlags {
		cd.AgentFlagsChanged = true
	}

	return cd
}
