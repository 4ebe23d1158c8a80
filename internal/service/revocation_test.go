package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robcowart/ocm-ca/internal/crypto"
)

func crlSerials(t *testing.T, der []byte) []string {
	t.Helper()
	crl, err := crypto.ParseCRL(der)
	require.NoError(t, err)

	serials := make([]string, 0, len(crl.RevokedCertificateEntries))
	for _, e := range crl.RevokedCertificateEntries {
		serials = append(serials, crypto.FormatSerial(e.SerialNumber))
	}
	return serials
}

func TestRevocationManager_Revoke(t *testing.T) {
	ca := newTestCA(t)
	ctx := context.Background()

	ca.serials.generate = sequence(0x123456)
	serial := ca.issue(t, &IssueRequest{CommonName: "revoke.example.com"})
	require.Equal(t, "123456", serial)

	cert, err := ca.revocations.Revoke(ctx, "12:34:56", "keyCompromise")
	require.NoError(t, err)
	assert.True(t, cert.Revoked)
	assert.Equal(t, "keyCompromise", cert.RevocationReason.String)
	assert.True(t, cert.RevokedAt.Valid)

	crl, err := ca.revocations.CRL(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"123456"}, crlSerials(t, crl.DER))

	parsed, err := crypto.ParseCRL(crl.DER)
	require.NoError(t, err)
	assert.Equal(t, 1, parsed.RevokedCertificateEntries[0].ReasonCode)
	rootCert, err := ca.root.Certificate()
	require.NoError(t, err)
	assert.NoError(t, parsed.CheckSignatureFrom(rootCert))

	views, err := ca.certs.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].IsRevoked)
	assert.Equal(t, StatusRevoked, views[0].Status)
	assert.Equal(t, "keyCompromise", views[0].RevocationReason)
}

func TestRevocationManager_RevokeTwice(t *testing.T) {
	ca := newTestCA(t)
	ctx := context.Background()
	serial := ca.issue(t, &IssueRequest{CommonName: "twice.example.com"})

	_, err := ca.revocations.Revoke(ctx, serial, "superseded")
	require.NoError(t, err)
	first, err := ca.revocations.CRL(ctx)
	require.NoError(t, err)

	cert, err := ca.revocations.Revoke(ctx, serial, "keyCompromise")
	requireKind(t, err, KindConflict)
	assert.True(t, errors.Is(err, ErrAlreadyRevoked))
	require.NotNil(t, cert)
	assert.Equal(t, "superseded", cert.RevocationReason.String)

	second, err := ca.revocations.CRL(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Number, second.Number)
	assert.Equal(t, []string{serial}, crlSerials(t, second.DER))
}

func TestRevocationManager_RevokeErrors(t *testing.T) {
	ca := newTestCA(t)
	ctx := context.Background()
	serial := ca.issue(t, &IssueRequest{CommonName: "errors.example.com"})

	_, err := ca.revocations.Revoke(ctx, "DEADBEEF", "")
	requireKind(t, err, KindNotFound)

	_, err = ca.revocations.Revoke(ctx, serial, "becauseISaidSo")
	requireKind(t, err, KindInvalidRequest)

	_, err = ca.revocations.Revoke(ctx, "", "")
	requireKind(t, err, KindInvalidRequest)

	view, err := ca.certs.Get(ctx, serial)
	require.NoError(t, err)
	assert.False(t, view.IsRevoked)
}

func TestRevocationManager_EntrySurvivesDelete(t *testing.T) {
	ca := newTestCA(t)
	ctx := context.Background()
	serial := ca.issue(t, &IssueRequest{CommonName: "deleted.example.com"})

	_, err := ca.revocations.Revoke(ctx, serial, "")
	require.NoError(t, err)
	require.NoError(t, ca.certs.Delete(ctx, serial))

	crl, err := ca.revocations.GenerateCRL(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{serial}, crlSerials(t, crl.DER))
}

func TestRevocationManager_CRLNumberIncreases(t *testing.T) {
	ca := newTestCA(t)
	ctx := context.Background()

	initial, err := ca.revocations.CRL(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), initial.Number)
	assert.Empty(t, crlSerials(t, initial.DER))

	last := initial.Number
	for i := 0; i < 3; i++ {
		serial := ca.issue(t, &IssueRequest{CommonName: "n.example.com"})
		_, err := ca.revocations.Revoke(ctx, serial, "")
		require.NoError(t, err)

		crl, err := ca.revocations.CRL(ctx)
		require.NoError(t, err)
		assert.Greater(t, crl.Number, last)
		last = crl.Number

		parsed, err := crypto.ParseCRL(crl.DER)
		require.NoError(t, err)
		assert.Equal(t, 0, parsed.Number.Cmp(big.NewInt(crl.Number)))
	}
}

func TestRevocationManager_InfoAndDownload(t *testing.T) {
	ca := newTestCA(t)
	ctx := context.Background()

	for _, cn := range []string{"a.example.com", "b.example.com"} {
		serial := ca.issue(t, &IssueRequest{CommonName: cn})
		_, err := ca.revocations.Revoke(ctx, serial, "cessationOfOperation")
		require.NoError(t, err)
	}

	info, err := ca.revocations.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, info.RevokedCount)
	assert.Equal(t, 7*day, info.NextUpdate.Sub(info.ThisUpdate))
	fp, err := ca.root.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fp, info.AuthorityFingerprint)

	d, err := ca.revocations.Download(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "ca.crl", d.Filename)
	assert.Contains(t, string(d.Data), "BEGIN X509 CRL")

	d, err = ca.revocations.Download(ctx, FormatDER)
	require.NoError(t, err)
	assert.Equal(t, "application/pkix-crl", d.ContentType)
	assert.Len(t, crlSerials(t, d.Data), 2)

	_, err = ca.revocations.Download(ctx, "txt")
	requireKind(t, err, KindInvalidRequest)
}

func TestRevocationManager_Refresh(t *testing.T) {
	ca := newTestCA(t)
	ctx := context.Background()

	crl, err := ca.revocations.CRL(ctx)
	require.NoError(t, err)

	// Not yet within the refresh margin
	require.NoError(t, ca.revocations.Refresh(ctx))
	same, err := ca.revocations.CRL(ctx)
	require.NoError(t, err)
	assert.Equal(t, crl.Number, same.Number)

	later := time.Now().Add(6*day + time.Hour)
	ca.revocations.now = func() time.Time { return later }

	require.NoError(t, ca.revocations.Refresh(ctx))
	refreshed, err := ca.revocations.CRL(ctx)
	require.NoError(t, err)
	assert.Equal(t, crl.Number+1, refreshed.Number)
	assert.True(t, refreshed.NextUpdate.After(crl.NextUpdate))
}

func TestRevocationManager_ConcurrentRevokes(t *testing.T) {
	ca := newTestCA(t)
	ctx := context.Background()
	const n = 10

	serials := make([]string, n)
	for i := range serials {
		serials[i] = ca.issue(t, &IssueRequest{CommonName: "concurrent.example.com"})
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, serial := range serials {
		wg.Add(1)
		go func(serial string) {
			defer wg.Done()
			if _, err := ca.revocations.Revoke(ctx, serial, "affiliationChanged"); err != nil {
				errs <- err
			}
		}(serial)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	crl, err := ca.revocations.CRL(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, serials, crlSerials(t, crl.DER))

	stored, err := ca.db.GetCRL(ctx, crl.AuthorityFingerprint)
	require.NoError(t, err)
	assert.Equal(t, stored.Number, crl.Number)
}

func TestRevocationManager_RegeneratedRootStartsEmptyCRL(t *testing.T) {
	ca := newTestCA(t)
	ctx := context.Background()

	serial := ca.issue(t, &IssueRequest{CommonName: "old.example.com"})
	_, err := ca.revocations.Revoke(ctx, serial, "")
	require.NoError(t, err)

	info, err := ca.root.Regenerate(ctx, RootParams{})
	require.NoError(t, err)

	crl, err := ca.revocations.CRL(ctx)
	require.NoError(t, err)
	assert.Equal(t, info.Fingerprint, crl.AuthorityFingerprint)
	assert.Equal(t, int64(1), crl.Number)
	assert.Empty(t, crlSerials(t, crl.DER))

	rootCert, err := ca.root.Certificate()
	require.NoError(t, err)
	parsed, err := crypto.ParseCRL(crl.DER)
	require.NoError(t, err)
	assert.NoError(t, parsed.CheckSignatureFrom(rootCert))
}

func TestRevocationManager_RetiredRootCertificate(t *testing.T) {
	ca := newTestCA(t)
	ctx := context.Background()

	old := ca.issue(t, &IssueRequest{CommonName: "retired.example.com"})
	_, err := ca.root.Regenerate(ctx, RootParams{})
	require.NoError(t, err)

	_, err = ca.revocations.Revoke(ctx, old, "keyCompromise")
	requireKind(t, err, KindConflict)
	assert.ErrorIs(t, err, ErrRetiredAuthority)
	assert.Equal(t, "Certificate belongs to a retired CA", MessageOf(err))

	view, err := ca.certs.Get(ctx, old)
	require.NoError(t, err)
	assert.False(t, view.IsRevoked)

	current := ca.issue(t, &IssueRequest{CommonName: "current.example.com"})
	_, err = ca.revocations.Revoke(ctx, current, "")
	require.NoError(t, err)

	crl, err := ca.revocations.CRL(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{current}, crlSerials(t, crl.DER))
}
