// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/Thermoquad/glucostat/internal/share"
	"github.com/Thermoquad/glucostat/internal/transport"
	"github.com/Thermoquad/glucostat/pkg/dexcom"
)

// GetPassword reads a password from the environment variable env, or prompts
// for it without echo.
func GetPassword(prompt, env string) (string, error) {
	if pw := os.Getenv(env); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, prompt)

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if stdin is not a terminal
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %v", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// transportOptions fills in the bridge password, prompting when needed
func transportOptions() (transport.Options, error) {
	rc := cfg.Receiver
	if rc.BridgeURL != "" && rc.BridgeUsername != "" && rc.BridgePassword == "" {
		pw, err := GetPassword("Bridge password: ", "GLUCOSTAT_RECEIVER_BRIDGE_PASSWORD")
		if err != nil {
			return transport.Options{}, err
		}
		cfg.Receiver.BridgePassword = pw
	}
	return transport.Options{
		Port:        cfg.Receiver.Port,
		Baud:        cfg.Receiver.Baud,
		ReadTimeout: cfg.Receiver.ReadTimeout,
		Bridge: transport.BridgeConfig{
			URL:           cfg.Receiver.BridgeURL,
			Username:      cfg.Receiver.BridgeUsername,
			Password:      cfg.Receiver.BridgePassword,
			SkipTLSVerify: cfg.Receiver.SkipTLSVerify,
			ReadTimeout:   cfg.Receiver.ReadTimeout,
		},
	}, nil
}

// OpenPort opens the raw byte channel to the receiver
func OpenPort() (dexcom.Port, string, error) {
	opts, err := transportOptions()
	if err != nil {
		return nil, "", err
	}
	return transport.Open(opts)
}

// OpenReceiver opens the receiver and reads its firmware header
func OpenReceiver() (*dexcom.Receiver, string, error) {
	port, connInfo, err := OpenPort()
	if err != nil {
		if cfg.Receiver.ResetHint != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", cfg.Receiver.ResetHint)
		}
		return nil, "", err
	}
	receiver := dexcom.NewReceiver(port)
	if _, err := receiver.Connect(); err != nil {
		receiver.Close()
		return nil, "", err
	}
	return receiver, connInfo, nil
}

// NewShareClient builds the Share client, prompting for the password when
// the configuration does not carry one.
func NewShareClient() (*share.Client, error) {
	if cfg.Share.Username == "" {
		return nil, fmt.Errorf("share.username is not configured")
	}
	if cfg.Share.Password == "" {
		pw, err := GetPassword("Share password: ", "GLUCOSTAT_SHARE_PASSWORD")
		if err != nil {
			return nil, err
		}
		cfg.Share.Password = pw
	}
	return share.NewClient(share.ClientConfig{
		Region:   cfg.Share.Region,
		Username: cfg.Share.Username,
		Password: cfg.Share.Password,
	})
}
