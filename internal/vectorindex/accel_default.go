//go:build !noaccel

package vectorindex

// buildAccel is false when the binary is built with the noaccel tag.
const buildAccel = true
