// Command smtpcheck drives one full AUTH LOGIN + message conversation
// against a running smtpingress instance, for manual smoke-testing a
// deployment without a real mail client.
package main

import (
	"bufio"
	"encoding/base64"
	"flag"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"strings"
	"time"
)

type checkArgs struct {
	Addr     string
	Username string
	Password string
	From     string
	To       []string
	Verbose  bool
}

func main() {
	args, err := parseArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if len(args.To) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no recipients specified\n")
		os.Exit(1)
	}

	message, err := readMessage(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading message: %v\n", err)
		os.Exit(1)
	}

	if err := sendMessage(args, message); err != nil {
		fmt.Fprintf(os.Stderr, "Error sending message: %v\n", err)
		os.Exit(1)
	}

	if args.Verbose {
		fmt.Fprintf(os.Stderr, "smtpcheck: message sent successfully\n")
	}
}

func parseArgs() (*checkArgs, error) {
	args := &checkArgs{To: make([]string, 0)}

	flag.StringVar(&args.Addr, "addr", "localhost:2525", "Address of the smtpingress listener")
	flag.StringVar(&args.Username, "user", "test@example.com", "AUTH LOGIN username")
	flag.StringVar(&args.Password, "password", "password", "AUTH LOGIN password (never validated, but required by the wire protocol)")
	flag.StringVar(&args.From, "from", "sender@example.com", "Envelope sender address")
	flag.BoolVar(&args.Verbose, "v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] recipient...\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExample:\n")
		fmt.Fprintf(os.Stderr, "  echo 'Hello' | %s -addr localhost:2525 rcpt@example.net\n", os.Args[0])
	}

	flag.Parse()
	args.To = append(args.To, flag.Args()...)

	return args, nil
}

func readMessage(reader *os.File) (string, error) {
	var builder strings.Builder
	scanner := bufio.NewScanner(reader)

	for scanner.Scan() {
		builder.WriteString(scanner.Text())
		builder.WriteString("\r\n")
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("error reading input: %w", err)
	}

	return builder.String(), nil
}

func sendMessage(args *checkArgs, message string) error {
	conn, err := net.DialTimeout("tcp", args.Addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", args.Addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	textConn := textproto.NewConn(conn)
	defer textConn.Close()

	if _, err := readResponse(textConn, args.Verbose); err != nil {
		return fmt.Errorf("greeting failed: %w", err)
	}

	if err := sendLine(textConn, args.Verbose, "EHLO smtpcheck"); err != nil {
		return err
	}
	if err := readMultiline(textConn, args.Verbose); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}

	if err := sendLine(textConn, args.Verbose, "AUTH LOGIN"); err != nil {
		return err
	}
	if _, err := readResponse(textConn, args.Verbose); err != nil {
		return fmt.Errorf("AUTH LOGIN failed: %w", err)
	}

	if err := sendLine(textConn, args.Verbose, base64.StdEncoding.EncodeToString([]byte(args.Username))); err != nil {
		return err
	}
	if _, err := readResponse(textConn, args.Verbose); err != nil {
		return fmt.Errorf("username rejected: %w", err)
	}

	if err := sendLine(textConn, args.Verbose, base64.StdEncoding.EncodeToString([]byte(args.Password))); err != nil {
		return err
	}
	if _, err := readResponse(textConn, args.Verbose); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	mailCmd := fmt.Sprintf("MAIL FROM:<%s>", args.From)
	if err := sendLine(textConn, args.Verbose, mailCmd); err != nil {
		return err
	}
	if _, err := readResponse(textConn, args.Verbose); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}

	for _, recipient := range args.To {
		rcptCmd := fmt.Sprintf("RCPT TO:<%s>", recipient)
		if err := sendLine(textConn, args.Verbose, rcptCmd); err != nil {
			return err
		}
		if _, err := readResponse(textConn, args.Verbose); err != nil {
			return fmt.Errorf("RCPT TO failed for %s: %w", recipient, err)
		}
	}

	if err := sendLine(textConn, args.Verbose, "DATA"); err != nil {
		return err
	}
	response, err := readResponse(textConn, args.Verbose)
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}
	if !strings.HasPrefix(response, "354") {
		return fmt.Errorf("unexpected DATA response: %s", response)
	}

	if err := textConn.PrintfLine("%s", message); err != nil {
		return fmt.Errorf("failed to send message data: %w", err)
	}
	if err := textConn.PrintfLine("."); err != nil {
		return fmt.Errorf("failed to send message termination: %w", err)
	}
	if _, err := readResponse(textConn, args.Verbose); err != nil {
		return fmt.Errorf("message transmission failed: %w", err)
	}

	sendLine(textConn, args.Verbose, "QUIT")
	readResponse(textConn, args.Verbose)

	return nil
}

func sendLine(conn *textproto.Conn, verbose bool, line string) error {
	if verbose {
		fmt.Fprintf(os.Stderr, "smtpcheck: > %s\n", line)
	}
	if err := conn.PrintfLine("%s", line); err != nil {
		return fmt.Errorf("failed to send %q: %w", line, err)
	}
	return nil
}

func readResponse(conn *textproto.Conn, verbose bool) (string, error) {
	response, err := conn.ReadLine()
	if err != nil {
		return "", err
	}
	if verbose {
		fmt.Fprintf(os.Stderr, "smtpcheck: < %s\n", response)
	}
	if len(response) >= 3 && (strings.HasPrefix(response, "2") || strings.HasPrefix(response, "3")) {
		return response, nil
	}
	return response, fmt.Errorf("SMTP error: %s", response)
}

// readMultiline drains a multi-line reply ("nnn-" continuation lines
// followed by a final "nnn " line).
func readMultiline(conn *textproto.Conn, verbose bool) error {
	for {
		line, err := conn.ReadLine()
		if err != nil {
			return err
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "smtpcheck: < %s\n", line)
		}
		if len(line) >= 4 && line[3] == ' ' {
			return nil
		}
	}
}
