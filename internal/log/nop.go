package log

// nopLogger discards everything. Used by package constructors (dissector
// registries, storage, capture inputs) so a *Logger is never nil-checked
// at every call site, and by tests that don't care about log output.
type nopLogger struct{}

// Nop returns a Logger that discards all output.
func Nop() Logger { return nopLogger{} }

func (nopLogger) Print(args ...interface{})                 {}
func (nopLogger) Printf(format string, args ...interface{}) {}
func (nopLogger) Trace(args ...interface{})                 {}
func (nopLogger) Tracef(format string, args ...interface{}) {}
func (nopLogger) Debug(args ...interface{})                 {}
func (nopLogger) Debugf(format string, args ...interface{}) {}
func (nopLogger) Info(args ...interface{})                  {}
func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Warn(args ...interface{})                  {}
func (nopLogger) Warnf(format string, args ...interface{})  {}
func (nopLogger) Error(args ...interface{})                 {}
func (nopLogger) Errorf(format string, args ...interface{}) {}
func (nopLogger) Fatal(args ...interface{})                 {}
func (nopLogger) Fatalf(format string, args ...interface{}) {}
func (nopLogger) Panic(args ...interface{})                 {}
func (nopLogger) Panicf(format string, args ...interface{}) {}

func (n nopLogger) WithField(field string, value interface{}) Logger  { return n }
func (n nopLogger) WithFields(fields map[string]interface{}) Logger   { return n }
func (n nopLogger) WithError(err error) Logger                        { return n }
func (nopLogger) IsTraceEnabled() bool                                { return false }
func (nopLogger) IsDebugEnabled() bool                                { return false }
func (nopLogger) IsInfoEnabled() bool                                 { return false }
