package ctlog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	ct "github.com/google/certificate-transparency-go"
	ctx509 "github.com/google/certificate-transparency-go/x509"
	"github.com/google/certificate-transparency-go/x509/pkix"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/idna"

	"github.com/bl4ck0w1/ctstream/pkg/models"
)

// Decoder is a pure MerkleTreeLeaf/extra_data decoder: it performs no I/O
// and its only state is a logger used for per-entry debug diagnostics.
type Decoder struct {
	log *logrus.Entry
}

func NewDecoder(log *logrus.Entry) *Decoder {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Decoder{log: log}
}

// Decode turns one base64-decoded leaf_input/extra_data pair into a Record.
// The RFC 6962 MerkleTreeLeaf framing (version/leaf_type/timestamp/
// entry_type and the X509Entry/PrecertEntry payload) is parsed by
// certificate-transparency-go's own ct.LeafEntryToCertInfo, the same helper
// the teacher's ctlogs.Fetcher relies on via client.LogClient; this method
// is left to own only field extraction and the extra_data chain, neither of
// which the library exposes a ready-made type for.
func (d *Decoder) Decode(raw models.RawEntry, src models.LogDescriptor, idx uint64) (*models.Record, error) {
	ci, err := ct.LeafEntryToCertInfo(ct.LeafEntry{LeafInput: raw.LeafInput, ExtraData: raw.ExtraData})
	if err != nil {
		return nil, fmt.Errorf("decoding merkle tree leaf: %w", err)
	}

	var cert *ctx509.Certificate
	switch ci.Type {
	case ct.X509LogEntryType:
		cert, err = ci.X509Cert.ToX509()
	case ct.PrecertLogEntryType:
		cert, err = ci.Precert.ToX509()
	default:
		return nil, fmt.Errorf("unsupported entry_type %v", ci.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	fingerprint := sha256.Sum256(cert.Raw)

	rec := &models.Record{
		Source:     src,
		CertIndex:  idx,
		SeenAt:     nowSeconds(),
		UpdateType: models.UpdateTypeX509LogEntry,
	}
	rec.Leaf = buildLeaf(cert, cert.Raw, fingerprint)
	rec.Chain = d.parseChain(raw.ExtraData)

	return rec, nil
}

func buildLeaf(cert *ctx509.Certificate, der []byte, fingerprint [32]byte) models.Leaf {
	leaf := models.Leaf{
		Subject:      subjectFromName(cert.Subject),
		Issuer:       subjectFromName(cert.Issuer),
		Extensions:   extensionsFromCert(cert),
		NotBefore:    float64(cert.NotBefore.Unix()),
		NotAfter:     float64(cert.NotAfter.Unix()),
		SerialNumber: serialNumberString(cert),
		Fingerprint:  hex.EncodeToString(fingerprint[:]),
		DER:          der,
		AllDomains:   allDomains(cert),
		IsCA:         cert.IsCA,
	}
	if cert.SignatureAlgorithm != 0 {
		leaf.SignatureAlgo = cert.SignatureAlgorithm.String()
	}
	return leaf
}

// serialNumberString renders the serial as a canonical decimal string, or
// "" if the certificate carries none.
func serialNumberString(cert *ctx509.Certificate) string {
	if cert.SerialNumber == nil {
		return ""
	}
	return cert.SerialNumber.String()
}

// subjectFromName flattens an RDN sequence into an ordered attribute map,
// left to right as presented by the parsed Name, last value wins on a
// repeated attribute.
func subjectFromName(name pkix.Name) *models.Subject {
	s := models.NewSubject()
	for _, atv := range name.Names {
		key := rdnShortName(atv.Type.String())
		value, ok := atv.Value.(string)
		if !ok {
			continue
		}
		s.Set(key, value)
	}
	return s
}

var rdnOIDShortNames = map[string]string{
	"2.5.4.3":  "CN",
	"2.5.4.6":  "C",
	"2.5.4.7":  "L",
	"2.5.4.8":  "ST",
	"2.5.4.9":  "STREET",
	"2.5.4.10": "O",
	"2.5.4.11": "OU",
	"2.5.4.17": "POSTALCODE",
	"1.2.840.113549.1.9.1": "emailAddress",
}

func rdnShortName(oid string) string {
	if short, ok := rdnOIDShortNames[oid]; ok {
		return short
	}
	return oid
}

// extensionsFromCert populates the textual extension map described for
// Record.leaf.extensions: subjectAltName, keyUsage, extendedKeyUsage and
// basicConstraints, each absent when the certificate carries none.
func extensionsFromCert(cert *ctx509.Certificate) map[string]string {
	ext := make(map[string]string)

	if names := dnsSANList(cert); len(names) > 0 {
		ext["subjectAltName"] = "DNS:" + strings.Join(names, ",DNS:")
	}

	if ku := keyUsageString(cert.KeyUsage); ku != "" {
		ext["keyUsage"] = ku
	}

	if eku := extKeyUsageString(cert.ExtKeyUsage); eku != "" {
		ext["extendedKeyUsage"] = eku
	}

	if cert.BasicConstraintsValid {
		if cert.MaxPathLen >= 0 || cert.IsCA {
			ext["basicConstraints"] = fmt.Sprintf("CA:%t", cert.IsCA)
		} else {
			ext["basicConstraints"] = "CA:false"
		}
	}

	return ext
}

func dnsSANList(cert *ctx509.Certificate) []string {
	return cert.DNSNames
}

var keyUsageNames = []struct {
	bit  ctx509.KeyUsage
	name string
}{
	{ctx509.KeyUsageDigitalSignature, "Digital Signature"},
	{ctx509.KeyUsageContentCommitment, "Content Commitment"},
	{ctx509.KeyUsageKeyEncipherment, "Key Encipherment"},
	{ctx509.KeyUsageDataEncipherment, "Data Encipherment"},
	{ctx509.KeyUsageKeyAgreement, "Key Agreement"},
	{ctx509.KeyUsageCertSign, "Certificate Sign"},
	{ctx509.KeyUsageCRLSign, "CRL Sign"},
	{ctx509.KeyUsageEncipherOnly, "Encipher Only"},
	{ctx509.KeyUsageDecipherOnly, "Decipher Only"},
}

func keyUsageString(ku ctx509.KeyUsage) string {
	var names []string
	for _, e := range keyUsageNames {
		if ku&e.bit != 0 {
			names = append(names, e.name)
		}
	}
	return strings.Join(names, ", ")
}

var extKeyUsageNames = map[ctx509.ExtKeyUsage]string{
	ctx509.ExtKeyUsageAny:                        "Any",
	ctx509.ExtKeyUsageServerAuth:                 "TLS Web Server Authentication",
	ctx509.ExtKeyUsageClientAuth:                 "TLS Web Client Authentication",
	ctx509.ExtKeyUsageCodeSigning:                "Code Signing",
	ctx509.ExtKeyUsageEmailProtection:            "E-mail Protection",
	ctx509.ExtKeyUsageTimeStamping:               "Time Stamping",
	ctx509.ExtKeyUsageOCSPSigning:                "OCSP Signing",
}

func extKeyUsageString(us []ctx509.ExtKeyUsage) string {
	var names []string
	for _, u := range us {
		if n, ok := extKeyUsageNames[u]; ok {
			names = append(names, n)
		}
	}
	return strings.Join(names, ", ")
}

// allDomains starts with the CN if present, then each DNS SAN in
// certificate order, deduplicated while preserving first occurrence.
func allDomains(cert *ctx509.Certificate) []string {
	seen := make(map[string]struct{})
	var out []string

	add := func(raw string) {
		name := normalizeDomain(raw)
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}

	add(cert.Subject.CommonName)
	for _, n := range cert.DNSNames {
		add(n)
	}
	return out
}

// normalizeDomain strips surrounding whitespace and a trailing dot, then
// converts to lower-case ASCII/punycode, matching the idiom the teacher
// uses before any domain-string comparison. A wildcard label such as
// "*.example.com" is kept as it is.
func normalizeDomain(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	s = strings.TrimSuffix(s, ".")
	p := idna.New(idna.MapForLookup(), idna.RemoveLeadingDots(true))
	ascii, err := p.ToASCII(s)
	if err != nil {
		return strings.ToLower(s)
	}
	return strings.ToLower(ascii)
}

// parseChain consumes a 24-bit BE total length followed by a sequence of
// (24-bit length, DER) tuples, stopping when the declared total is
// exhausted or the buffer runs out. A cert that fails to parse is skipped,
// not fatal to the rest of the chain.
func (d *Decoder) parseChain(extraData []byte) []models.ChainCert {
	if len(extraData) < 3 {
		return nil
	}
	total := int(uint32(extraData[0])<<16 | uint32(extraData[1])<<8 | uint32(extraData[2]))
	body := extraData[3:]
	if total > len(body) {
		total = len(body)
	}
	body = body[:total]

	var chain []models.ChainCert
	for len(body) >= 3 {
		l := int(uint32(body[0])<<16 | uint32(body[1])<<8 | uint32(body[2]))
		body = body[3:]
		if l > len(body) {
			break
		}
		der := body[:l]
		body = body[l:]

		cert, err := ctx509.ParseCertificate(der)
		if err != nil {
			d.log.WithError(err).Debug("skipping unparseable chain certificate")
			continue
		}
		chain = append(chain, models.ChainCert{
			Subject: subjectFromName(cert.Subject),
			DER:     der,
		})
	}
	return chain
}

// nowSeconds is the decoder's single time source, overridable in tests.
var nowSeconds = func() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
