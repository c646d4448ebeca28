package banner

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
)

func Print(role string) {
	art := `
███████╗███████╗ █████╗ ██╗  ██╗
██╔════╝██╔════╝██╔══██╗██║ ██╔╝
█████╗  ███████╗███████║█████╔╝
██╔══╝  ╚════██║██╔══██║██╔═██╗
██║     ███████║██║  ██║██║  ██╗
╚═╝     ╚══════╝╚═╝  ╚═╝╚═╝  ╚═╝
`
	c := color.New(color.FgCyan, color.Bold)
	c.Println(art)

	fmt.Printf("   %s :: Censorship-Resistant SOCKS5/HTTP Proxy\n", role)
	fmt.Printf("   Start Time: %s\n", time.Now().Format(time.RFC1123))
	fmt.Println(strings.Repeat("-", 50))
}

// PrintProxyStatus reports the local proxy's listeners and the transport
// it's circumventing through, printed once cmd/proxy's listeners are up.
func PrintProxyStatus(socksAddr, httpAddr, channelURL string) {
	color.Green("✓ Proxy Started Successfully")
	fmt.Printf("   • Mode:        Smart SOCKS5 + HTTP Proxy\n")
	fmt.Printf("   • SOCKS5:      %s\n", socksAddr)
	fmt.Printf("   • HTTP:        %s\n", httpAddr)
	transport := "direct only (no channel configured)"
	if channelURL != "" {
		transport = channelURL
	}
	fmt.Printf("   • Channel:     %s\n", transport)
	fmt.Println(strings.Repeat("-", 50))
}

// PrintMeekServerStatus reports the meek server's HTTP listener and the
// upstream SOCKS5 address it terminates sessions onto.
func PrintMeekServerStatus(listenAddr, upstreamSocksAddr string) {
	color.Green("✓ Meek Server Started Successfully")
	fmt.Printf("   • Mode:        Meek Server\n")
	fmt.Printf("   • Listening:   %s (HTTP)\n", listenAddr)
	fmt.Printf("   • Upstream:    %s (SOCKS5)\n", upstreamSocksAddr)
	fmt.Println(strings.Repeat("-", 50))
}
