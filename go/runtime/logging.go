package runtime

import (
	log "github.com/sirupsen/logrus"
)

// InitLog configures the global logger from cfg. Process mains call it once
// after flag parsing; library packages never touch global logger state.
func InitLog(cfg LogConfig) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}

// Must logs a fatal error and exits when err is non-nil. Extra arguments are
// paired into log fields. It is for process mains, where an error during
// startup is never recoverable.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var fields = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		fields[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(fields).Fatal(msg)
}
