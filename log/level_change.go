package log

// LevelChangeEntry lowers (or raises) the effective level at one source location.
type LevelChangeEntry struct {
	// FileName is matched against the "dir/file.go" form recorded as caller info.
	FileName string `mapstructure:"file"`
	// LineNum selects the statement. Only exact lines match.
	LineNum int `mapstructure:"line"`
	// LogLevel is the level used for events logged from that location.
	LogLevel int `mapstructure:"level"`
}

// levelChange is read-only after construction.
type levelChange struct {
	changes map[string]map[int]Level
}

func newLevelChange(entries []LevelChangeEntry) *levelChange {
	c := &levelChange{changes: make(map[string]map[int]Level)}
	for _, entry := range entries {
		lines, ok := c.changes[entry.FileName]
		if !ok {
			lines = make(map[int]Level)
			c.changes[entry.FileName] = lines
		}
		lines[entry.LineNum] = Level(entry.LogLevel)
	}
	return c
}

// Empty reports whether no level override is set.
func (lc *levelChange) Empty() bool {
	return len(lc.changes) == 0
}

// GetLevel returns the override for file:line, or level when none exists.
func (lc *levelChange) GetLevel(fileName string, lineNum int, level Level) Level {
	if lv, ok := lc.changes[fileName][lineNum]; ok {
		return lv
	}
	return level
}
