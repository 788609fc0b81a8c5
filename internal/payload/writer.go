package payload

// boundedWriter accumulates bytes up to max and drops the rest. Once any
// byte has been dropped, truncated stays true.
type boundedWriter struct {
	buf       []byte
	max       int
	truncated bool
}

func (w *boundedWriter) writeString(s string) {
	room := w.max - len(w.buf)
	if room <= 0 {
		if len(s) > 0 {
			w.truncated = true
		}
		return
	}
	if len(s) > room {
		s = s[:room]
		w.truncated = true
	}
	w.buf = append(w.buf, s...)
}

// objectWriter emits the punctuation of one JSON object level.
type objectWriter struct {
	w     *boundedWriter
	count int
}

func (o *objectWriter) open() { o.w.writeString("{") }

func (o *objectWriter) close() { o.w.writeString("}") }

func (o *objectWriter) key(name string) {
	if o.count > 0 {
		o.w.writeString(",")
	}
	o.count++
	o.w.writeString(quote(name))
	o.w.writeString(":")
}
