package ptyspawn

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnEchoesInput(t *testing.T) {
	sess, err := Spawn(1, "/bin/sh", nil, 80, 24)
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Write([]byte("echo hello_ptyspawn\n"))
	require.NoError(t, err)

	found := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(sess)
		for scanner.Scan() {
			if strings.Contains(scanner.Text(), "hello_ptyspawn") {
				close(found)
				return
			}
		}
	}()

	select {
	case <-found:
	case <-time.After(3 * time.Second):
		t.Fatal("did not observe echoed output")
	}
}

func TestResizeDoesNotError(t *testing.T) {
	sess, err := Spawn(2, "/bin/sh", nil, 80, 24)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Resize(100, 40))
}

func TestCloseIsIdempotent(t *testing.T) {
	sess, err := Spawn(3, "/bin/sh", nil, 80, 24)
	require.NoError(t, err)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())

	select {
	case <-sess.Closed():
	default:
		t.Fatal("expected Closed channel to be closed")
	}
}
