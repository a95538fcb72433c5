// Package hop is an in-process tracing profiler built around two cooperating
// endpoints connected by a shared-memory ring buffer: a producer linked into
// the profiled application, and a consumer that reassembles per-thread
// timelines for interactive display.
//
// # Quick Start (producer side)
//
//	p, err := hop.NewProducer(hop.ProducerConfig{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer p.Shutdown()
//
//	rec := p.NewThreadRecorder(uint64(goroutineOrThreadID))
//	rec.Enter("main.go", 42, "doWork")
//	defer rec.Leave()
//
// # Quick Start (consumer side)
//
//	c, err := hop.AttachConsumer(hop.ConsumerConfig{PID: pid, Logger: logger})
//	if err != nil {
//		log.Fatal(err)
//	}
//	c.Start()
//	defer c.Stop()
//
//	stats := c.Profiler.Stats()
//
// # Architecture
//
// The producer (C5, [NewProducer]) hands out one [ThreadRecorder] (C4) per
// caller-managed goroutine/thread via [Producer.NewThreadRecorder] — Go has
// no portable thread-local storage to create this lazily and implicitly the
// way the source this is ported from does, so the caller keeps the handle
// explicitly. Each ThreadRecorder accumulates trace, lock-wait and unlock
// events in column arrays and periodically flushes framed messages (see
// wire.go) into a [ringBuffer] (C2) whose payload bytes live in a [segment]
// (C3): a named, versioned region of memory shared between producer and
// consumer. The ring's control words are ordinary process-local memory, so
// a consumer attaches only to a producer in the same process.
//
// The consumer ([Consumer], C6, [AttachConsumer]) drains the ring, dispatching
// each message by type into a [Profiler] (C10), which owns one
// [ThreadTimeline] (C9 data, backed by a [traceSpillStore], C7, once a
// thread's trace array grows past its budget) per thread and maintains a
// [lodIndex] (C8) alongside it so the display layer can query any zoom level
// in bounded time. [Timeline] is the display-relative cursor (C9 operations)
// that zoom/pan/jump queries act on.
//
// # What this package does not do
//
// Rendering, windowing, input handling, child-process launching, JSON
// export, process discovery by name, and command-line/config-file parsing
// are all external to this package; see cmd/hopview for a minimal CLI
// boundary that wires a few of those concerns together without depending on
// any of them from this package.
package hop
