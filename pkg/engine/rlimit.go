package engine

// descriptorsPerBatch approximates the descriptors one running batch holds:
// a socket plus the session's stdio pipes.
const descriptorsPerBatch = 4

// warnRlimit logs once when the open file limit is too low for the
// configured concurrency.
func (e *Executor) warnRlimit() {
	e.rlimitOnce.Do(func() {
		limit, err := e.openFileLimit()
		if err != nil {
			e.logger.Debug().Err(err).Msg("could not read open file limit")
			return
		}
		needed := uint64(e.concurrency) * descriptorsPerBatch
		if limit < needed {
			e.logger.Warn().
				Uint64("limit", limit).
				Uint64("needed", needed).
				Int("concurrency", e.concurrency).
				Msg("open file limit is lower than the configured concurrency needs; consider raising ulimit -n or lowering concurrency")
		}
	})
}
