package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

func levelsCmd(args []string) {
	fs := flag.NewFlagSet("levels", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8128", "loopback admin base url")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/levels"
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func blockCmd(args []string) {
	fs := flag.NewFlagSet("block", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8128", "loopback admin base url")
	level := fs.String("level", "overworld", "level id")
	x := fs.Int("x", 0, "block x")
	y := fs.Int("y", 64, "block y")
	z := fs.Int("z", 0, "block z")
	block := fs.Int("block", 1, "block id (0 clears)")
	_ = fs.Parse(args)

	body, _ := json.Marshal(map[string]any{"level": *level, "x": *x, "y": *y, "z": *z, "block": *block})
	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/block"
	req, _ := http.NewRequest(http.MethodPost, u, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func columnCmd(args []string) {
	fs := flag.NewFlagSet("column", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8128", "loopback admin base url")
	level := fs.String("level", "overworld", "level id")
	x := fs.Int("x", 0, "column x")
	z := fs.Int("z", 0, "column z")
	_ = fs.Parse(args)

	q := url.Values{}
	q.Set("level", *level)
	q.Set("x", strconv.Itoa(*x))
	q.Set("z", strconv.Itoa(*z))
	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/column?" + q.Encode()
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
