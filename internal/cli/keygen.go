package cli

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
)

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "out", "trust-root.bin", "Output path for the trust-root TLV blob")
	keygenCmd.Flags().StringVar(&keygenDeviceID, "device-id", "device", "Common name on the self-signed device certificate")
	rootCmd.AddCommand(keygenCmd)
}

var (
	keygenOut      string
	keygenDeviceID string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a self-signed device identity and trust-root blob",
	Long: `Generates an ECDSA P-256 device key and a self-signed certificate
acting as both device identity and the sole trusted CA, then encodes the
spec §3 trust-root TLV container to --out. Intended for bench and
commissioning use, not a production certificate authority.`,
	RunE: runKeygen,
}

func runKeygen(cmd *cobra.Command, args []string) error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("keygen: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("keygen: serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: keygenDeviceID},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("keygen: create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("keygen: marshal key: %w", err)
	}

	blob := domain.EncodeTrustRoot(domain.TrustRoot{
		CACerts:    [][]byte{certDER},
		DeviceCert: certDER,
		DeviceKey:  keyDER,
	})
	if err := os.WriteFile(keygenOut, blob, 0o600); err != nil {
		return fmt.Errorf("keygen: write %s: %w", keygenOut, err)
	}
	fmt.Printf("wrote trust root to %s (%d bytes)\n", keygenOut, len(blob))
	return nil
}
