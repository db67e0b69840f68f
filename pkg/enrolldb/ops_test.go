// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package enrolldb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEnroller stands in for attest-enroll: it copies the EK into place and
// fabricates a couple of assets. The generation counter makes successive
// runs observable, like real asset regeneration.
type stubEnroller struct {
	generation int
	fail       bool
}

func (s *stubEnroller) Enroll(_ context.Context, dir, ekpubPath, host string, _ map[string]any, _ string) error {
	if s.fail {
		return fmt.Errorf("synthetic enrollment failure")
	}
	s.generation++
	ek, err := os.ReadFile(ekpubPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "ek.pub"), ek, 0644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "hostname"), []byte(host), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "hostcert.pem"),
		[]byte("generation "+strconv.Itoa(s.generation)), 0644)
}

type refusingPolicy struct{}

func (refusingPolicy) Check(context.Context, string, string, map[string]any) error {
	return fmt.Errorf("%w: status 403", ErrPolicyRefused)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOps(t *testing.T) (*Ops, *stubEnroller) {
	t.Helper()
	store := NewStore(t.TempDir(), testLogger())
	require.NoError(t, store.Init(context.Background()))
	enroller := &stubEnroller{}
	return &Ops{
		Store:    store,
		Logger:   testLogger(),
		Enroller: enroller,
		Preclient: map[string]any{
			"__env":    map[string]any{},
			"genprogs": "gencert genconf",
		},
		Postclient: map[string]any{"server_says": true},
	}, enroller
}

// ekFile writes an EK public and returns its path and expected ekpubhash.
func ekFile(t *testing.T, content string) (string, string) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ek.pub")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	sum := sha256.Sum256([]byte(content))
	return p, hex.EncodeToString(sum[:])
}

func commitCount(t *testing.T, s *Store) int {
	t.Helper()
	out, err := s.git.Run(context.Background(), "rev-list", "--count", "HEAD")
	require.NoError(t, err)
	n, err := strconv.Atoi(strings.TrimSpace(out))
	require.NoError(t, err)
	return n
}

func repoClean(t *testing.T, s *Store) bool {
	t.Helper()
	out, err := s.git.Run(context.Background(), "status", "--porcelain")
	require.NoError(t, err)
	return out == ""
}

func TestRecordPath(t *testing.T) {
	store := NewStore("/srv/enroll", testLogger())
	h := strings.Repeat("0d3fe1ab", 8)
	p := store.RecordPath(h)
	assert.Equal(t, filepath.Join("/srv/enroll/db", RepoName, "ekpubhash", h[:2], h[:6], h[:32]), p)
	assert.Equal(t, h[:32], filepath.Base(p))
}

func TestRecordMask(t *testing.T) {
	store := NewStore("/s", testLogger())
	ek := filepath.Join("/s/db", RepoName, "ekpubhash")
	assert.Equal(t, filepath.Join(ek, "*", "*", "*"), store.recordMask(""))
	assert.Equal(t, filepath.Join(ek, "0*", "*", "*"), store.recordMask("0"))
	assert.Equal(t, filepath.Join(ek, "0d", "0d3f*", "*"), store.recordMask("0d3f"))
	assert.Equal(t, filepath.Join(ek, "0d", "0d3fe1", "0d3fe1ab*"), store.recordMask("0d3fe1ab"))
	full := strings.Repeat("ab", 32)
	assert.Equal(t, filepath.Join(ek, "ab", "ababab", full[:32]), store.recordMask(full))
}

func TestAddQueryDelete(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestOps(t)
	ekpub, wantHash := ekFile(t, "tpm-ek-public-bytes")

	res, err := ops.Add(ctx, ekpub, "host1.example.com", `{"note": "client profile"}`)
	require.NoError(t, err)
	assert.Equal(t, 0, res["returncode"])
	assert.Equal(t, "host1.example.com", res["hostname"])
	assert.Equal(t, wantHash, res["ekpubhash"])
	assert.Equal(t, map[string]any{"note": "client profile"}, res["profile"])
	assert.True(t, repoClean(t, ops.Store))

	// content-addressed layout on disk
	fpath := ops.Store.RecordPath(wantHash)
	got, err := readTrim(filepath.Join(fpath, "ekpubhash"))
	require.NoError(t, err)
	assert.Equal(t, wantHash, got)
	cp, err := os.ReadFile(filepath.Join(fpath, "clientprofile"))
	require.NoError(t, err)
	assert.Equal(t, `{"note": "client profile"}`, string(cp))

	// query by prefix
	q, err := ops.Query(ctx, wantHash[:6], false, false)
	require.NoError(t, err)
	entries := q["entries"].([]map[string]any)
	require.Len(t, entries, 1)
	assert.Equal(t, wantHash, entries[0]["ekpubhash"])
	assert.Equal(t, "host1.example.com", entries[0]["hostname"])
	files := entries[0]["files"].([]string)
	assert.Contains(t, files, "ek.pub")
	assert.Contains(t, files, "hostcert.pem")
	assert.Contains(t, files, "clientprofile")

	// nofiles suppresses the listing
	q, err = ops.Query(ctx, wantHash[:6], true, false)
	require.NoError(t, err)
	_, hasFiles := q["entries"].([]map[string]any)[0]["files"]
	assert.False(t, hasFiles)

	// no match is an empty result, not an error
	q, err = ops.Query(ctx, "ffff", false, false)
	require.NoError(t, err)
	assert.Empty(t, q["entries"])

	// delete
	d, err := ops.Query(ctx, wantHash[:6], true, true)
	require.NoError(t, err)
	require.Len(t, d["entries"], 1)
	assert.NoDirExists(t, fpath)
	idx, err := ops.Store.hn2ekRead()
	require.NoError(t, err)
	assert.Empty(t, idx)
	assert.True(t, repoClean(t, ops.Store))
}

func TestAddDeleteInverse(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestOps(t)
	before, err := ops.Store.hn2ekRead()
	require.NoError(t, err)

	ekpub, hash := ekFile(t, "inverse-check")
	_, err = ops.Add(ctx, ekpub, "host1.example.com", `{}`)
	require.NoError(t, err)
	_, err = ops.Query(ctx, hash, true, true)
	require.NoError(t, err)

	after, err := ops.Store.hn2ekRead()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	matches, err := ops.Store.matchRecords("")
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.True(t, repoClean(t, ops.Store))
}

func TestDuplicateAdd(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestOps(t)
	ekpub, hash := ekFile(t, "duplicate-ek")

	_, err := ops.Add(ctx, ekpub, "host1.example.com", `{}`)
	require.NoError(t, err)

	_, err = ops.Add(ctx, ekpub, "host1.example.com", `{}`)
	require.ErrorIs(t, err, ErrAlreadyEnrolled)
	assert.Contains(t, err.Error(), Halfhash(hash))

	// the failed attempt rolled back: index still has exactly one entry
	idx, err := ops.Store.hn2ekRead()
	require.NoError(t, err)
	assert.Len(t, idx, 1)
	assert.True(t, repoClean(t, ops.Store))
}

func TestReenroll(t *testing.T) {
	ctx := context.Background()
	ops, enroller := newTestOps(t)
	ekpub, hash := ekFile(t, "reenroll-ek")

	_, err := ops.Add(ctx, ekpub, "host1.example.com", `{"keep": "me"}`)
	require.NoError(t, err)
	fpath := ops.Store.RecordPath(hash)
	firstCert, err := os.ReadFile(filepath.Join(fpath, "hostcert.pem"))
	require.NoError(t, err)

	res, err := ops.Reenroll(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "host1.example.com", res["hostname"])
	assert.Equal(t, hash, res["ekpubhash"])
	assert.Equal(t, map[string]any{"keep": "me"}, res["profile"])

	// assets regenerated, identity files preserved
	secondCert, err := os.ReadFile(filepath.Join(fpath, "hostcert.pem"))
	require.NoError(t, err)
	assert.NotEqual(t, string(firstCert), string(secondCert))
	cp, err := os.ReadFile(filepath.Join(fpath, "clientprofile"))
	require.NoError(t, err)
	assert.Equal(t, `{"keep": "me"}`, string(cp))
	assert.True(t, repoClean(t, ops.Store))
	assert.Equal(t, 2, enroller.generation)
}

func TestReenrollUnknown(t *testing.T) {
	ops, _ := newTestOps(t)
	_, err := ops.Reenroll(context.Background(), strings.Repeat("ab", 32))
	require.ErrorIs(t, err, ErrNotEnrolled)
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestOps(t)
	for i, host := range []string{"host1.example.com", "host2.example.com", "srv.other.org"} {
		ekpub, _ := ekFile(t, fmt.Sprintf("find-ek-%d", i))
		_, err := ops.Add(ctx, ekpub, host, `{}`)
		require.NoError(t, err)
	}

	res, err := ops.Find(ctx, "example")
	require.NoError(t, err)
	assert.Equal(t, "example", res["hostname_regex"])
	entries := res["entries"].([]Entry)
	require.Len(t, entries, 2)
	assert.Equal(t, "host1.example.com", entries[0].Hostname)
	assert.Equal(t, "host2.example.com", entries[1].Hostname)

	// substring semantics, not fullmatch
	res, err = ops.Find(ctx, "^host")
	require.NoError(t, err)
	assert.Len(t, res["entries"], 2)

	_, err = ops.Find(ctx, "([")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestJanitor(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestOps(t)
	ekpub, hash := ekFile(t, "janitor-ek")
	_, err := ops.Add(ctx, ekpub, "host1.example.com", `{}`)
	require.NoError(t, err)

	// sabotage: legacy newline-terminated files and an empty index
	fpath := ops.Store.RecordPath(hash)
	require.NoError(t, os.WriteFile(filepath.Join(fpath, "ekpubhash"), []byte(hash+"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(fpath, "hostname"), []byte("host1.example.com\n"), 0644))
	require.NoError(t, ops.Store.hn2ekWrite(nil))
	_, err = ops.Store.git.Run(ctx, "add", "-A")
	require.NoError(t, err)
	_, err = ops.Store.git.Run(ctx, "commit", "-m", "sabotage")
	require.NoError(t, err)

	res, err := ops.Janitor(ctx)
	require.NoError(t, err)
	entries := res["hn2ek"].([]Entry)
	require.Len(t, entries, 1)
	assert.Equal(t, Entry{Hostname: "host1.example.com", Ekpubhash: hash}, entries[0])

	got, err := os.ReadFile(filepath.Join(fpath, "ekpubhash"))
	require.NoError(t, err)
	assert.Equal(t, hash, string(got))

	idx, err := ops.Store.hn2ekRead()
	require.NoError(t, err)
	assert.Equal(t, entries, idx)

	// a second run is a no-op: same index, no new commit
	commits := commitCount(t, ops.Store)
	res2, err := ops.Janitor(ctx)
	require.NoError(t, err)
	assert.Equal(t, res["hn2ek"], res2["hn2ek"])
	assert.Equal(t, commits, commitCount(t, ops.Store))
}

func TestPolicyRefusal(t *testing.T) {
	ctx := context.Background()
	ops, enroller := newTestOps(t)
	ops.Policy = refusingPolicy{}
	commits := commitCount(t, ops.Store)

	ekpub, _ := ekFile(t, "refused-ek")
	_, err := ops.Add(ctx, ekpub, "forbidden", `{}`)
	require.ErrorIs(t, err, ErrPolicyRefused)

	// refusal happens before generation; the repo is untouched
	assert.Equal(t, 0, enroller.generation)
	assert.Equal(t, commits, commitCount(t, ops.Store))
	assert.True(t, repoClean(t, ops.Store))
}

func TestEnrollerFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	ops, enroller := newTestOps(t)
	enroller.fail = true
	commits := commitCount(t, ops.Store)

	ekpub, _ := ekFile(t, "failing-ek")
	_, err := ops.Add(ctx, ekpub, "host1.example.com", `{}`)
	require.Error(t, err)
	assert.Equal(t, commits, commitCount(t, ops.Store))
	assert.True(t, repoClean(t, ops.Store))
}

func TestAddValidation(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestOps(t)
	ekpub, _ := ekFile(t, "validation-ek")

	_, err := ops.Add(ctx, ekpub, "bad host!", `{}`)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = ops.Add(ctx, ekpub, "host1.example.com", "")
	require.ErrorIs(t, err, ErrInvalid)

	_, err = ops.Add(ctx, filepath.Join(t.TempDir(), "absent"), "host1.example.com", `{}`)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = ops.Query(ctx, "XYZ", false, false)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = ops.Reenroll(ctx, "tooshort")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLockExcludes(t *testing.T) {
	ops, _ := newTestOps(t)
	ctx := context.Background()

	require.NoError(t, ops.Store.Lock(ctx))

	// a second acquisition spins until its context gives up
	shortCtx, cancel := context.WithTimeout(ctx, 600*time.Millisecond)
	defer cancel()
	err := ops.Store.Lock(shortCtx)
	require.Error(t, err)

	require.NoError(t, ops.Store.Unlock())
	require.NoError(t, ops.Store.Lock(ctx))
	require.NoError(t, ops.Store.Unlock())
}

func TestComposeProfile(t *testing.T) {
	pre := map[string]any{
		"__env":    map[string]any{"ENROLL_ISSUER": "{ENROLL_DOMAIN}-ca"},
		"genprogs": "gencert",
		"defaults": map[string]any{"ttl": float64(3600)},
	}
	post := map[string]any{"genprogs_post": "genconf genhostname"}
	client := map[string]any{
		"defaults": map[string]any{"ttl": float64(60)},
		"subject":  "CN={ENROLL_HOSTNAME},{ENROLL_DOMAIN2DC}",
	}

	profile, finalGenprogs, err := ComposeProfile(pre, post, client, "host1.example.com", SignerPaths{
		SigningKeyPub: "/creds/signer/key.pub",
	})
	require.NoError(t, err)

	// right-most layer wins at leaves
	assert.Equal(t, float64(60), profile["defaults"].(map[string]any)["ttl"])

	// derived env fields
	env := profile["__env"].(map[string]any)
	assert.Equal(t, "host1.example.com", env["ENROLL_HOSTNAME"])
	assert.Equal(t, "example.com", env["ENROLL_DOMAIN"])
	assert.Equal(t, "host1", env["ENROLL_ID"])
	assert.Equal(t, "DC=host1,DC=example,DC=com", env["ENROLL_HOSTNAME2DC"])
	assert.Equal(t, "DC=example,DC=com", env["ENROLL_DOMAIN2DC"])
	assert.Equal(t, "/creds/signer/key.pub", env["SIGNING_KEY_PUB"])

	// expansion applied to the body, env itself kept raw
	assert.Equal(t, "CN=host1.example.com,DC=example,DC=com", profile["subject"])
	assert.Equal(t, "{ENROLL_DOMAIN}-ca", env["ENROLL_ISSUER"])

	assert.Equal(t, "gencert genconf genhostname", finalGenprogs)
	assert.Equal(t, []any{"gencert", "genconf", "genhostname"}, profile["final_genprogs"])

	// the server fragments were not mutated by composition
	assert.Equal(t, "{ENROLL_DOMAIN}-ca", pre["__env"].(map[string]any)["ENROLL_ISSUER"])
}

func TestReenrollerScan(t *testing.T) {
	ctx := context.Background()
	ops, _ := newTestOps(t)

	due := []string{}
	for i, host := range []string{"due1.example.com", "due2.example.com", "future.example.com"} {
		ekpub, hash := ekFile(t, fmt.Sprintf("scan-ek-%d", i))
		_, err := ops.Add(ctx, ekpub, host, `{}`)
		require.NoError(t, err)
		fpath := ops.Store.RecordPath(hash)
		var hint string
		if strings.HasPrefix(host, "due") {
			hint = TimeHint(time.Now().UTC().Add(-time.Hour))
			due = append(due, hash)
		} else {
			hint = TimeHint(time.Now().UTC().Add(time.Hour))
		}
		require.NoError(t, os.WriteFile(filepath.Join(fpath, HintPrefix+hint), nil, 0644))
		// scratch files must be skipped
		require.NoError(t, os.WriteFile(filepath.Join(fpath, HintPrefix+hint+".tmp"), nil, 0644))
	}

	var ran []string
	r := &Reenroller{
		Store:  ops.Store,
		Logger: testLogger(),
		RunReenroll: func(_ context.Context, ekpubhash string) (int, error) {
			ran = append(ran, ekpubhash)
			return 201, nil
		},
	}
	require.NoError(t, r.ScanOnce(ctx, time.Now()))
	assert.ElementsMatch(t, due, ran)

	// a non-201 outcome aborts the scan
	r.RunReenroll = func(context.Context, string) (int, error) { return 500, nil }
	require.Error(t, r.ScanOnce(ctx, time.Now()))
}
