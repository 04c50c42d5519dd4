package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
)

// A minimal line-mode client: type one JSON request per line, responses
// and notifications print as they arrive. Useful for poking at a server
// without a real client.
func main() {
	server := flag.String("server", "localhost:12345", "Server address (host:port)")
	flag.Parse()

	conn, err := net.Dial("tcp", *server)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *server, err)
	}
	defer conn.Close()

	fmt.Fprintf(os.Stderr, "Connected to %s\n", *server)

	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			fmt.Println(scanner.Text())
		}
		fmt.Fprintln(os.Stderr, "Connection closed by server")
		os.Exit(0)
	}()

	stdin := bufio.NewScanner(os.Stdin)
	for stdin.Scan() {
		if _, err := fmt.Fprintln(conn, stdin.Text()); err != nil {
			log.Fatalf("Write failed: %v", err)
		}
	}
}
