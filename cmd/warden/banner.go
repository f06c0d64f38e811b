package main

// ---------------------------------------------------------------------------
// banner.go: startup banner and version string
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	goruntime "runtime"
	"runtime/debug"
	"strings"
)

func bannerText() string {
	art := `
    ╔══════════════════════════════════════════════╗
    ║   ██╗    ██╗ █████╗ ██████╗ ██████╗ ███████╗ ║
    ║   ██║    ██║██╔══██╗██╔══██╗██╔══██╗██╔════╝ ║
    ║   ██║ █╗ ██║███████║██████╔╝██║  ██║█████╗   ║
    ║   ██║███╗██║██╔══██║██╔══██╗██║  ██║██╔══╝   ║
    ║   ╚███╔███╔╝██║  ██║██║  ██║██████╔╝███████╗ ║
    ║    ╚══╝╚══╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚═════╝ ╚══════╝ ║
    ║        AUTONOMY-GATED INCIDENT RESPONSE      ║
    ╚══════════════════════════════════════════════╝
`
	return cyan(art)
}

func versionString() string {
	var b strings.Builder
	b.WriteString(version)
	if commit != "dev" {
		fmt.Fprintf(&b, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(&b, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(&b, " %s", bi.GoVersion)
	}
	fmt.Fprintf(&b, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	return b.String()
}

func printBanner(w io.Writer) {
	fmt.Fprint(w, bannerText())
	fmt.Fprintf(w, "  %s\n\n", dim("v"+version))
}
