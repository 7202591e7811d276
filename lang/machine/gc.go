package machine

import "fmt"

// The collector is a plain mark-and-sweep over the thread's object
// list. It runs at allocation check points only: before an allocation,
// if the allocated byte estimate reached the watermark (or always, in
// stress mode), a collection runs and the watermark is reset to twice
// the surviving byte count. Reachability is defined solely by the mark
// phase, so cyclic object graphs (closures capturing upvalues capturing
// closures) are collected like everything else.

// initialGC is the allocation watermark of a fresh thread.
const initialGC = 1 << 20

// worklist is the queue of marked objects whose outgoing references
// remain to be traced.
type worklist struct {
	objs []object
}

// add marks o and queues it for tracing, unless already marked.
func (wl *worklist) add(o object) {
	if o.marked() {
		return
	}
	o.setMarked(true)
	wl.objs = append(wl.objs, o)
}

// addValue marks the object referenced by v, if any.
func (wl *worklist) addValue(v Value) {
	if o, ok := v.(object); ok {
		wl.add(o)
	}
}

// maybeCollect runs a collection if the watermark was reached. It must
// be called before allocating, never between an allocation and the
// attachment of the new object to a root.
func (th *Thread) maybeCollect() {
	if th.StressGC || th.allocated >= th.nextGC {
		th.collect()
	}
}

// register adds a freshly allocated object to the master object list.
func (th *Thread) register(o object) {
	th.objects = append(th.objects, o)
	th.allocated += o.size()
}

func (th *Thread) collect() {
	if th.VerboseGC {
		fmt.Fprintf(th.stdout, "--gc begin, %d bytes allocated\n", th.allocated)
	}

	var wl worklist
	th.markRoots(&wl)
	for len(wl.objs) > 0 {
		o := wl.objs[len(wl.objs)-1]
		wl.objs = wl.objs[:len(wl.objs)-1]
		o.trace(&wl)
	}

	// drop interned strings about to be freed, so the table never holds
	// a dangling entry
	var deadStrings []string
	th.strings.Iter(func(text string, s *String) bool {
		if !s.marked() {
			deadStrings = append(deadStrings, text)
		}
		return false
	})
	for _, text := range deadStrings {
		th.strings.Delete(text)
	}

	live := th.objects[:0]
	for _, o := range th.objects {
		if o.marked() {
			o.setMarked(false)
			live = append(live, o)
		} else {
			th.allocated -= o.size()
			if th.VerboseGC {
				fmt.Fprintf(th.stdout, "--gc free %s %s\n", o.Type(), o.String())
			}
		}
	}
	// clear the tail so freed objects are not retained by the backing array
	for i := len(live); i < len(th.objects); i++ {
		th.objects[i] = nil
	}
	th.objects = live

	th.nextGC = 2 * th.allocated
	if th.VerboseGC {
		fmt.Fprintf(th.stdout, "--gc end, %d bytes allocated\n", th.allocated)
	}
}

// markRoots marks every reachability entry point: the value stack, the
// globals (keys and values), the live frames' closures, the open
// upvalues and the machine's transient roots.
func (th *Thread) markRoots(wl *worklist) {
	for _, v := range th.stack {
		wl.addValue(v)
	}
	th.globals.Iter(func(name *String, v Value) bool {
		wl.add(name)
		wl.addValue(v)
		return false
	})
	for i := range th.frames {
		wl.add(th.frames[i].closure)
	}
	for _, uv := range th.openUpvalues {
		wl.add(uv)
	}
	for _, v := range th.tempRoots {
		wl.addValue(v)
	}
}
