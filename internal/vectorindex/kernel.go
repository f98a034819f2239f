package vectorindex

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// dotFunc computes the dot product of equal-length vectors.
type dotFunc func(a, b []float32) float32

// dotScalar is the reference kernel used by LinearFallback.
func dotScalar(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// dotUnrolled4 keeps four independent accumulators.
func dotUnrolled4(a, b []float32) float32 {
	n := len(a)
	b = b[:n]
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return (s0 + s1) + (s2 + s3)
}

// dotUnrolled8 keeps eight accumulators, which suits wide vector units.
func dotUnrolled8(a, b []float32) float32 {
	n := len(a)
	b = b[:n]
	var s0, s1, s2, s3, s4, s5, s6, s7 float32
	i := 0
	for ; i+8 <= n; i += 8 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
		s4 += a[i+4] * b[i+4]
		s5 += a[i+5] * b[i+5]
		s6 += a[i+6] * b[i+6]
		s7 += a[i+7] * b[i+7]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return ((s0 + s1) + (s2 + s3)) + ((s4 + s5) + (s6 + s7))
}

// CPUFeature names the widest vector extension detected.
type CPUFeature string

const (
	FeatureGeneric CPUFeature = "generic"
	FeatureAVX2    CPUFeature = "avx2"
	FeatureAVX512  CPUFeature = "avx512"
	FeatureNEON    CPUFeature = "neon"
)

func detectFeature() CPUFeature {
	switch runtime.GOARCH {
	case "amd64":
		if cpu.X86.HasAVX512F && cpu.X86.HasAVX512BW {
			return FeatureAVX512
		}
		if cpu.X86.HasAVX2 && cpu.X86.HasFMA {
			return FeatureAVX2
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			return FeatureNEON
		}
	}
	return FeatureGeneric
}

func kernelFor(f CPUFeature) (dotFunc, string) {
	switch f {
	case FeatureAVX512, FeatureAVX2, FeatureNEON:
		return dotUnrolled8, "unrolled8"
	default:
		return dotUnrolled4, "unrolled4"
	}
}
