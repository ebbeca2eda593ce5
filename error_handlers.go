package jobsched

// reportInternalError reports a loop-level engine error.
//
// Internal errors are failures outside a work func, such as a scope
// that could not be opened or an item that could not be handed back
// to the queue. If no handler is registered the error is only logged.
func (e *Engine) reportInternalError(err error) {
	e.AddMetric(MetricLoopErrors, 1)
	if e.opts.OnInternalError != nil {
		e.opts.OnInternalError(err)
	}
}

// reportJobError reports an error returned by a work func or
// produced by panic recovery.
//
// Job errors never stop a worker loop.
func (e *Engine) reportJobError(item *WorkItem, err error) {
	if e.opts.OnJobError != nil {
		e.opts.OnJobError(item.Info(), err)
	}
}
