//go:build linux

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

var replHistory []string

// readInteractiveLine reads one line with a minimal raw-terminal editor:
// cursor movement, backspace/delete, history on up/down, Ctrl+A/E/W.
// When stdin is not a terminal it falls back to plain buffered reads.
func readInteractiveLine(prompt string) (string, error) {
	if !stdinIsTTY() {
		r := bufio.NewReader(os.Stdin)
		s, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		if s == "" && err == io.EOF {
			return "", io.EOF
		}
		return trimTrailingNewline(s), nil
	}

	fd := int(os.Stdin.Fd())
	saved, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return "", err
	}
	raw := *saved
	raw.Lflag &^= unix.ICANON | unix.ECHO
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return "", err
	}
	defer func() {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, saved)
	}()

	var (
		line    []byte
		cursor  int
		histPos = len(replHistory)
		draft   string
	)

	redraw := func() {
		fmt.Printf("\r%s%s\x1b[K", prompt, string(line))
		if cursor < len(line) {
			fmt.Printf("\r%s%s", prompt, string(line[:cursor]))
		}
	}

	recall := func(pos int) {
		if histPos == len(replHistory) {
			draft = string(line)
		}
		histPos = pos
		if pos == len(replHistory) {
			line = append(line[:0], draft...)
		} else {
			line = append(line[:0], replHistory[pos]...)
		}
		cursor = len(line)
		redraw()
	}

	deleteWordBack := func() {
		start := cursor
		for start > 0 && line[start-1] == ' ' {
			start--
		}
		for start > 0 && line[start-1] != ' ' {
			start--
		}
		line = append(line[:start], line[cursor:]...)
		cursor = start
		redraw()
	}

	handleCSI := func(seq string) {
		switch seq {
		case "A":
			if histPos > 0 {
				recall(histPos - 1)
			}
		case "B":
			if histPos < len(replHistory) {
				recall(histPos + 1)
			}
		case "C":
			if cursor < len(line) {
				cursor++
				redraw()
			}
		case "D":
			if cursor > 0 {
				cursor--
				redraw()
			}
		case "H":
			cursor = 0
			redraw()
		case "F":
			cursor = len(line)
			redraw()
		case "3~":
			if cursor < len(line) {
				line = append(line[:cursor], line[cursor+1:]...)
				redraw()
			}
		}
	}

	fmt.Print(prompt)
	var (
		buf      [16]byte
		escState int
		escSeq   strings.Builder
	)
	for {
		n, err := os.Stdin.Read(buf[:])
		if err != nil {
			return "", err
		}
		for i := 0; i < n; i++ {
			b := buf[i]
			if escState == 1 {
				if b == '[' {
					escState = 2
					escSeq.Reset()
				} else {
					escState = 0
				}
				continue
			}
			if escState == 2 {
				escSeq.WriteByte(b)
				if (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '~' {
					handleCSI(escSeq.String())
					escState = 0
				}
				continue
			}

			switch b {
			case 27: // ESC
				escState = 1
			case '\r', '\n':
				fmt.Print("\r\n")
				out := string(line)
				if strings.TrimSpace(out) != "" {
					replHistory = append(replHistory, out)
				}
				return out, nil
			case 3: // Ctrl+C
				fmt.Print("^C\r\n")
				return "", io.EOF
			case 4: // Ctrl+D on an empty line quits
				if len(line) == 0 {
					fmt.Print("\r\n")
					return "", io.EOF
				}
			case 127, 8: // backspace
				if cursor > 0 {
					line = append(line[:cursor-1], line[cursor:]...)
					cursor--
					redraw()
				}
			case 1: // Ctrl+A
				cursor = 0
				redraw()
			case 5: // Ctrl+E
				cursor = len(line)
				redraw()
			case 23: // Ctrl+W
				deleteWordBack()
			default:
				if b >= 32 {
					line = append(line, 0)
					copy(line[cursor+1:], line[cursor:])
					line[cursor] = b
					cursor++
					redraw()
				}
			}
		}
	}
}

func stdinIsTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}

func trimTrailingNewline(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '\r' {
		s = s[:len(s)-1]
	}
	return s
}
