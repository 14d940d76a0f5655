package jit

import "github.com/sirupsen/logrus"

// entry returns a logrus.Entry with the given fields if a logger is
// configured, or nil if logging is disabled. Callers must check for nil.
func (c Config) entry(fields logrus.Fields) *logrus.Entry {
	if c.Logger == nil {
		return nil
	}
	return c.Logger.WithFields(fields)
}

func (c Config) debugInst(pc int, opcode byte, note string) {
	e := c.entry(logrus.Fields{"pc": pc, "opcode": opcode})
	if e != nil {
		e.Debug(note)
	}
}

func (c Config) warnFixup(pc int, target int, note string) {
	e := c.entry(logrus.Fields{"pc": pc, "target": target})
	if e != nil {
		e.Warn(note)
	}
}

func (c Config) infof(format string, args ...interface{}) {
	if c.Logger == nil {
		return
	}
	c.Logger.Infof(format, args...)
}
