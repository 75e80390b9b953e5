package dispatcher

// DispatcherFilterHandleFunc is the rest of the chain as seen by a filter.
type DispatcherFilterHandleFunc func(dd *DispatcherDelivery) error

// DispatcherFilter intercepts a delivery and decides whether to call next.
type DispatcherFilter func(dd *DispatcherDelivery, next DispatcherFilterHandleFunc) error

// DispatcherFilterChain is the ordered processing pipeline for incoming messages.
type DispatcherFilterChain []DispatcherFilter

// Handle runs the first filter with a continuation that runs the rest of the chain and
// then f. An empty chain calls f directly.
func (fc DispatcherFilterChain) Handle(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if len(fc) == 0 {
		return f(dd)
	}
	return fc[0](dd, func(dd *DispatcherDelivery) error {
		return fc[1:].Handle(dd, f)
	})
}

// reloadMsgFilterCfg replaces the blocked-name set. Callers hold the write lock, or own d
// exclusively during construction.
func (d *Dispatcher) reloadMsgFilterCfg(cfg *MsgFilterPluginCfg) {
	newFilterMap := make(map[string]struct{}, len(cfg.MsgFilter))
	for _, msgName := range cfg.MsgFilter {
		newFilterMap[msgName] = struct{}{}
	}
	d.msgFilterMap = newFilterMap
}

// msgFilter drops messages whose full name is blocked. A dropped message is not an error.
func (d *Dispatcher) msgFilter(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	d.lock.RLock()
	_, blocked := d.msgFilterMap[string(dd.Name())]
	d.lock.RUnlock()

	if !blocked {
		return f(dd)
	}
	dropped("filtered")
	return nil
}
