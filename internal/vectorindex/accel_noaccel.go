//go:build noaccel

package vectorindex

const buildAccel = false
