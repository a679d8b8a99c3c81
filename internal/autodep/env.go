package autodep

import "strings"

// EnvVar is the environment variable a job's autodep shim reads to find its
// report socket, per spec.md §6.
const EnvVar = "TRACEMAKE_AUTODEP"

// Option is a single-letter flag carried in the autodep env string
// (spec.md §6: "autodep env colon-separated string with single-letter
// option flags").
type Option byte

const (
	// OptAutoMkdir tells the shim to auto-create parent directories of
	// targets it observes being written, mirroring a rule's mkdir flag.
	OptAutoMkdir Option = 'm'
	// OptIgnoreStat tells the shim to skip reporting bare stat() calls as
	// accesses (spec.md §4.F gather reduces noise the same way).
	OptIgnoreStat Option = 's'
	// OptReadOnly tells the shim the job is running read-only (chk_deps
	// mode): any write attempt should be reported, not performed.
	OptReadOnly Option = 'r'
)

// EncodeEnv builds the `TRACEMAKE_AUTODEP` value: the socket path followed
// by a colon-separated run of single-letter option flags.
func EncodeEnv(socketPath string, opts ...Option) string {
	var b strings.Builder
	b.WriteString(socketPath)
	for _, o := range opts {
		b.WriteByte(':')
		b.WriteByte(byte(o))
	}
	return b.String()
}

// DecodeEnv splits a `TRACEMAKE_AUTODEP` value back into its socket path
// and option flags.
func DecodeEnv(val string) (socketPath string, opts []Option) {
	parts := strings.Split(val, ":")
	if len(parts) == 0 {
		return "", nil
	}
	socketPath = parts[0]
	for _, p := range parts[1:] {
		if len(p) == 1 {
			opts = append(opts, Option(p[0]))
		}
	}
	return socketPath, opts
}
