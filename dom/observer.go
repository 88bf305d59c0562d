package dom

// Observer receives child-list records for the whole document subtree.
// Records produced between two deliveries are batched into one callback.
type Observer struct {
	doc       *Document
	fn        func([]Record)
	pending   []Record
	scheduled bool
	active    bool
}

// Observe registers fn for every child-list change in the document.
func (d *Document) Observe(fn func([]Record)) *Observer {
	o := &Observer{doc: d, fn: fn, active: true}
	d.observers = append(d.observers, o)
	return o
}

// Disconnect stops delivery, including batches already scheduled.
// Disconnecting twice is harmless.
func (o *Observer) Disconnect() {
	if !o.active {
		return
	}
	o.active = false
	o.pending = nil
	obs := o.doc.observers
	for i, cur := range obs {
		if cur == o {
			o.doc.observers = append(obs[:i:i], obs[i+1:]...)
			break
		}
	}
}

// Active reports whether o is still connected.
func (o *Observer) Active() bool { return o.active }

// TakeRecords returns and clears the undelivered records.
func (o *Observer) TakeRecords() []Record {
	recs := o.pending
	o.pending = nil
	return recs
}

func (d *Document) record(rec Record) {
	for _, o := range d.observers {
		o.enqueue(rec)
	}
}

func (o *Observer) enqueue(rec Record) {
	o.pending = append(o.pending, rec)
	if o.doc.post == nil {
		o.deliver()
		return
	}
	if o.scheduled {
		return
	}
	o.scheduled = true
	o.doc.post(o.deliver)
}

func (o *Observer) deliver() {
	o.scheduled = false
	if !o.active {
		return
	}
	recs := o.TakeRecords()
	if len(recs) == 0 {
		return
	}
	o.fn(recs)
}
