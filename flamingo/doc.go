// Package flamingo implements the session core for driving a Flamingo
// light-sheet microscope over TCP/IP: the binary command-frame codec, the
// workflow text format, the two-socket transport, the concurrent session
// runtime (listeners, sender, processor), and the acquisition procedures
// built on top of it.
//
// The GUI, presets, and image display that normally sit above this core
// are out of scope; callers see a typed command API, a stream of decoded
// frames, a stream of status/position events, and a workflow builder.
package flamingo
