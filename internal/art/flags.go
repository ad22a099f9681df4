package art

import "strings"

// Access flags of methods, fields and classes. The upper bits are runtime
// flags that never appear in dex files.
const (
	AccPublic       uint32 = 0x0001
	AccPrivate      uint32 = 0x0002
	AccProtected    uint32 = 0x0004
	AccStatic       uint32 = 0x0008
	AccFinal        uint32 = 0x0010
	AccSynchronized uint32 = 0x0020
	AccVolatile     uint32 = 0x0040
	AccBridge       uint32 = 0x0040
	AccTransient    uint32 = 0x0080
	AccVarargs      uint32 = 0x0080
	AccNative       uint32 = 0x0100
	AccInterface    uint32 = 0x0200
	AccAbstract     uint32 = 0x0400
	AccStrict       uint32 = 0x0800
	AccSynthetic    uint32 = 0x1000
	AccAnnotation   uint32 = 0x2000
	AccEnum         uint32 = 0x4000

	AccConstructor          uint32 = 0x00010000
	AccDeclaredSynchronized uint32 = 0x00020000
	AccObsoleteMethod       uint32 = 0x00040000
	AccIntrinsic            uint32 = 0x80000000
)

var javaFlags = []struct {
	bit  uint32
	name string
}{
	{AccPublic, "public"},
	{AccProtected, "protected"},
	{AccPrivate, "private"},
	{AccFinal, "final"},
	{AccStatic, "static"},
	{AccAbstract, "abstract"},
	{AccInterface, "interface"},
	{AccTransient, "transient"},
	{AccVolatile, "volatile"},
	{AccSynchronized, "synchronized"},
	{AccNative, "native"},
}

// PrettyAccessFlags renders the Java modifiers in source order.
func PrettyAccessFlags(flags uint32) string {
	var parts []string
	for _, f := range javaFlags {
		if flags&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, " ")
}

// RuntimeFlags names the runtime-only bits set in flags.
func RuntimeFlags(flags uint32) []string {
	var out []string
	for _, f := range []struct {
		bit  uint32
		name string
	}{
		{AccConstructor, "constructor"},
		{AccDeclaredSynchronized, "declared-synchronized"},
		{AccObsoleteMethod, "obsolete"},
		{AccIntrinsic, "intrinsic"},
	} {
		if flags&f.bit != 0 {
			out = append(out, f.name)
		}
	}
	return out
}
