package chat

const (
	titleRunes    = 30
	previewRunes  = 80
	maxTitleRunes = 255
)

// DeriveTitle names a new session after its first user message: up to 30 characters
// verbatim, otherwise the first 30 followed by "...". Whitespace is kept as typed.
func DeriveTitle(firstUserText string) string {
	return truncateRunes(firstUserText, titleRunes)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
