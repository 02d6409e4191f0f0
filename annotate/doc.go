// Package annotate marks a point of interest on a client supplied image
// before it is forwarded for inference.
//
// Images travel as base64 text. A successful annotation always returns a
// JPEG of the same pixel dimensions as the input with a solid red disc
// centred on the requested point. Coordinates are 0-based with (0,0) at the
// top-left corner; markers that fall partly or fully outside the canvas are
// clipped silently.
package annotate
