/*
Package log provides structured logging for the runner and puppet binaries
using zerolog.

Init must be called once at process startup with the desired Config. Every
other function in this package reads the resulting global Logger, so logging
before Init produces zerolog's no-op default output rather than panicking.

Component loggers (WithComponent, WithNodeID, WithJobID) return a derived
zerolog.Logger with one extra bound field; they do not mutate the global
Logger, so callers should hold onto the returned value rather than calling
these repeatedly in a hot loop.
*/
package log
