package constants

// SyntaxTheme is the Chroma style used for conversation markdown and the
// input editor. Any Chroma style name works here; dark themes read best on
// the TUI's pure-black background.
const SyntaxTheme = "github-dark"
