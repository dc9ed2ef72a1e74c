package agent

import (
	"io"
	"sort"
	"sync"
)

// processTable tracks the client's live processes by session name, so channel events can be routed to them.
// Processes are added before the launch request is sent, so no early output is missed.
type processTable struct {
	m     sync.Mutex
	procs map[string]*Process
}

func newProcessTable() *processTable {
	return &processTable{procs: map[string]*Process{}}
}

func (t *processTable) Add(p *Process) {
	t.m.Lock()
	defer t.m.Unlock()
	t.procs[p.Name] = p
}

func (t *processTable) Remove(name string) {
	t.m.Lock()
	defer t.m.Unlock()
	delete(t.procs, name)
}

func (t *processTable) Get(name string) *Process {
	t.m.Lock()
	defer t.m.Unlock()
	return t.procs[name]
}

// Names returns the names of the live processes, sorted.
func (t *processTable) Names() []string {
	t.m.Lock()
	defer t.m.Unlock()
	names := make([]string, 0, len(t.procs))
	for name := range t.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll finishes every process with err and empties the table.
func (t *processTable) CloseAll(err error) {
	t.m.Lock()
	procs := t.procs
	t.procs = map[string]*Process{}
	t.m.Unlock()
	for _, p := range procs {
		p.finish(-1, err)
	}
}

// writeAll writes p to w, treating a nil writer as io.Discard.
func writeAll(w io.Writer, p []byte) error {
	if w == nil {
		return nil
	}
	n, err := w.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	return nil
}
