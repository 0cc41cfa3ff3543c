//go:build unit

/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package certutil_test

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vmlauncher/internal/util/certutil"
)

func TestCA_Issue(t *testing.T) {
	ca, err := certutil.NewCA("vmlauncher-test")
	require.NoError(t, err)

	keyPEM, certPEM, err := ca.Issue("localhost", "127.0.0.1")
	require.NoError(t, err)

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)

	assert.Equal(t, "localhost", leaf.Subject.CommonName)
	assert.Equal(t, []string{"localhost"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())

	for _, name := range []string{"localhost", "127.0.0.1"} {
		_, err = leaf.Verify(x509.VerifyOptions{
			DNSName:   name,
			Roots:     ca.Pool(),
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		})
		assert.NoError(t, err, name)
	}

	pool := x509.NewCertPool()
	assert.True(t, pool.AppendCertsFromPEM(ca.CertPEM()))
}

func TestCA_IssueFromOtherCA(t *testing.T) {
	ca, err := certutil.NewCA("a")
	require.NoError(t, err)

	other, err := certutil.NewCA("b")
	require.NoError(t, err)

	_, certPEM, err := other.Issue("localhost")
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(mustDecode(t, certPEM))
	require.NoError(t, err)

	_, err = leaf.Verify(x509.VerifyOptions{DNSName: "localhost", Roots: ca.Pool()})
	assert.Error(t, err)
}

func TestWriteKeyPair(t *testing.T) {
	certPath, keyPath, err := certutil.WriteKeyPair(t.TempDir(), []byte("k"), []byte("c"))
	require.NoError(t, err)

	b, err := os.ReadFile(certPath)
	require.NoError(t, err)
	assert.Equal(t, "c", string(b))

	b, err = os.ReadFile(keyPath)
	require.NoError(t, err)
	assert.Equal(t, "k", string(b))
}

func mustDecode(t *testing.T, certPEM []byte) []byte {
	t.Helper()

	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)

	return block.Bytes
}
