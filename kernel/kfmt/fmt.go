// Package kfmt implements the kernel's formatted output facility. It supports
// a small subset of the fmt verbs, never consults fmt.Stringer and buffers
// everything printed before an output sink is attached.
package kfmt

import (
	"io"

	"gophertask/kernel/sync"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// outputLock serializes writes to the sinks; multiple cores print
	// concurrently.
	outputLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputLock.Acquire()
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
	outputLock.Release()
}

// Printf formats according to a format specifier and writes to the active
// output sink (or the early ring buffer if no sink has been attached yet).
//
// The following subset of formatting verbs is supported:
//
// Strings:
//
//	%s the uninterpreted bytes of the string or byte slice
//
// Integers:
//
//	%o base 8
//	%d base 10
//	%x base 16, with lower-case letters for a-f
//
// Booleans:
//
//	%t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the
// verb. Strings and base-10 integers are left-padded with spaces; base-8 and
// base-16 integers are left-padded with zeroes.
//
// Each call emits its output with a single write so lines printed by
// different cores never interleave.
func Printf(format string, args ...interface{}) {
	out := appendFormat(make([]byte, 0, len(format)+16), format, args)

	outputLock.Acquire()
	doWrite(outputSink, out)
	outputLock.Release()
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the early ring buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	out := appendFormat(make([]byte, 0, len(format)+16), format, args)

	outputLock.Acquire()
	doWrite(w, out)
	outputLock.Release()
}

// appendFormat appends the formatted version of format to buf.
func appendFormat(buf []byte, format string, args []interface{}) []byte {
	var (
		nextArgIndex int
		padLen       int
		i            int
	)

	for i < len(format) {
		if format[i] != '%' {
			buf = append(buf, format[i])
			i++
			continue
		}

		padLen = 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			padLen = (padLen * 10) + int(format[i]-'0')
		}

		if i == len(format) {
			buf = append(buf, errNoVerb...)
			break
		}

		verb := format[i]
		i++

		switch verb {
		case '%':
			buf = append(buf, '%')
		case 'd', 'x', 'o', 's', 't':
			if nextArgIndex >= len(args) {
				buf = append(buf, errMissingArg...)
				continue
			}

			arg := args[nextArgIndex]
			nextArgIndex++

			switch verb {
			case 'o':
				buf = fmtInt(buf, arg, 8, padLen)
			case 'd':
				buf = fmtInt(buf, arg, 10, padLen)
			case 'x':
				buf = fmtInt(buf, arg, 16, padLen)
			case 's':
				buf = fmtString(buf, arg, padLen)
			case 't':
				buf = fmtBool(buf, arg)
			}
		default:
			buf = append(buf, errNoVerb...)
		}
	}

	for ; nextArgIndex < len(args); nextArgIndex++ {
		buf = append(buf, errExtraArg...)
	}

	return buf
}

func fmtBool(buf []byte, v interface{}) []byte {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		return append(buf, errWrongArgType...)
	case bVal:
		return append(buf, trueValue...)
	default:
		return append(buf, falseValue...)
	}
}

func fmtString(buf []byte, v interface{}, padLen int) []byte {
	switch castedVal := v.(type) {
	case string:
		buf = fmtRepeat(buf, ' ', padLen-len(castedVal))
		return append(buf, castedVal...)
	case []byte:
		buf = fmtRepeat(buf, ' ', padLen-len(castedVal))
		return append(buf, castedVal...)
	default:
		return append(buf, errWrongArgType...)
	}
}

func fmtRepeat(buf []byte, ch byte, count int) []byte {
	for ; count > 0; count-- {
		buf = append(buf, ch)
	}
	return buf
}

// fmtInt appends a formatted version of v in the requested base, applying
// the padding specified by padLen. All built-in signed and unsigned integer
// types are supported.
func fmtInt(buf []byte, v interface{}, base, padLen int) []byte {
	var (
		uval     uint64
		negative bool
		digits   [maxBufSize]byte
		right    = maxBufSize
		padCh    = byte('0')
	)

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	if base == 10 {
		padCh = ' '
	}

	switch t := v.(type) {
	case uint8:
		uval = uint64(t)
	case uint16:
		uval = uint64(t)
	case uint32:
		uval = uint64(t)
	case uint64:
		uval = t
	case uint:
		uval = uint64(t)
	case uintptr:
		uval = uint64(t)
	case int8:
		uval, negative = abs(int64(t))
	case int16:
		uval, negative = abs(int64(t))
	case int32:
		uval, negative = abs(int64(t))
	case int64:
		uval, negative = abs(t)
	case int:
		uval, negative = abs(int64(t))
	default:
		return append(buf, errWrongArgType...)
	}

	for {
		right--
		remainder := uval % uint64(base)
		if remainder < 10 {
			digits[right] = byte(remainder) + '0'
		} else {
			digits[right] = byte(remainder-10) + 'a'
		}

		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	width := maxBufSize - right
	if negative {
		width++
	}

	// Space padding goes before the sign, zero padding after it.
	if padCh == ' ' {
		buf = fmtRepeat(buf, ' ', padLen-width)
	}
	if negative {
		buf = append(buf, '-')
	}
	if padCh == '0' {
		buf = fmtRepeat(buf, '0', padLen-width)
	}

	return append(buf, digits[right:]...)
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

// doWrite sends p to w or, if w is nil, to the early print buffer. Callers
// must hold outputLock.
func doWrite(w io.Writer, p []byte) {
	if w != nil {
		w.Write(p)
		return
	}

	earlyPrintBuffer.Write(p)
}
