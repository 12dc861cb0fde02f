// Package imaging decodes, transforms and re-encodes images for the viewer.
//
// Every operation works on an immutable *Asset and returns a new one, so a
// displayed asset can be handed to an encoder while the user keeps editing.
// Rasters are always *image.NRGBA with a zero origin.
//
// The package performs no file or network I/O: callers pass encoded bytes in
// and receive encoded bytes back.
package imaging
