package serial

// ioctl request numbers, Linux x86/ARM termios layout. Mirrors
// github.com/daedaluz/goioctl usage in the teacher driver, trimmed to the
// requests this driver actually issues.
var (
	tcgets  = uintptr(0x5401)
	tcsets  = uintptr(0x5402) // TCSANOW
	tcsetsw = uintptr(0x5403) // TCSADRAIN
	tcsetsf = uintptr(0x5404) // TCSAFLUSH

	tcflsh = uintptr(0x540B)

	tiocinq  = uintptr(0x541B) // bytes queued for read
	tiocoutq = uintptr(0x5411) // bytes queued for write

	tiocgrs485 = uintptr(0x542E)
	tiocsrs485 = uintptr(0x542F)
)
