package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/crpc/internal/auth"
	"github.com/basket/crpc/internal/config"
)

// runStatus queries a running daemon's /healthz.
func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "", "daemon address (default: config server.bind_addr)")
	_ = fs.Parse(args)

	target := *addr
	if target == "" {
		manager, err := config.NewManager(config.DefaultPath(), "", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: load config: %v\n", err)
			os.Exit(1)
		}
		target = manager.Current().Server.BindAddr
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + target + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: daemon not reachable at %s: %v\n", target, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var pretty map[string]any
	if json.Unmarshal(body, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return
	}
	fmt.Println(string(body))
}

// runHashPassword reads a password from stdin and prints its stored
// pbkdf2 form for the auth.password_hash config field.
func runHashPassword() {
	fmt.Fprint(os.Stderr, "password: ")
	reader := bufio.NewReader(os.Stdin)
	raw, err := reader.ReadString('\n')
	if err != nil && raw == "" {
		fmt.Fprintf(os.Stderr, "hash-password: read: %v\n", err)
		os.Exit(1)
	}
	hash, err := auth.HashPassword(strings.TrimRight(raw, "\r\n"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash-password: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

// runEncryptValue produces an enc:v1 inline config value using the
// master passphrase from the environment.
func runEncryptValue(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: crpcd encrypt-value <plaintext>")
		os.Exit(1)
	}
	passphrase := os.Getenv(config.PassphraseEnv)
	if passphrase == "" {
		fmt.Fprintf(os.Stderr, "encrypt-value: %s not set\n", config.PassphraseEnv)
		os.Exit(1)
	}
	enc, err := config.EncryptValue(passphrase, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "encrypt-value: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(enc)
}
