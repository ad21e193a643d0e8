package worker

// Hold marks runID live as if a driver were still winding down on it. The
// returned func lets go of the run the way that driver would.
func (w *Worker) Hold(runID string) func() {
	w.mu.Lock()
	w.Live.Register(runID)
	w.mu.Unlock()
	w.wg.Add(1)
	return func() {
		defer w.wg.Done()
		w.finish(w.baseContext(), runID)
	}
}
