package queue

// keys share one hash tag so every scripted unit touches a single cluster slot.
type keys struct {
	prefix   string
	instance string
}

func newKeys(name, instance string) keys {
	return keys{prefix: "{" + name + "}", instance: instance}
}

func (k keys) wait() string       { return k.prefix + ":wait" }
func (k keys) delayed() string    { return k.prefix + ":delayed" }
func (k keys) processing() string { return k.processingOf(k.instance) }
func (k keys) instances() string  { return k.prefix + ":instances" }
func (k keys) completed() string  { return k.prefix + ":completed" }
func (k keys) failed() string     { return k.prefix + ":failed" }
func (k keys) processingOf(instance string) string {
	return k.prefix + ":processing:" + instance
}

func (k keys) dedupe(digest string) string {
	return k.prefix + ":dedupe:" + digest
}
