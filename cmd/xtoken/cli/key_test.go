package cli

import (
	"encoding/json"

	"github.com/effective-security/xtoken/internal/testkeys"
	"github.com/effective-security/xtoken/jwt"
)

func (s *testSuite) checkResult() KeyCheckResult {
	var res KeyCheckResult
	s.Require().NoError(json.Unmarshal(s.Out.Bytes(), &res))
	return res
}

func (s *testSuite) TestKeyCheck_Private() {
	cmd := KeyCheckCmd{Key: s.tmpdir + "/ec.pem"}
	s.Require().NoError(cmd.Run(s.ctl))

	res := s.checkResult()
	s.Equal(KeyCheckResult{
		Algorithm: "ES256",
		Type:      "EC",
		Size:      256,
		Private:   true,
		Valid:     true,
	}, res)
}

func (s *testSuite) TestKeyCheck_Public() {
	cmd := KeyCheckCmd{Key: s.tmpdir + "/ec_pub.pem", Alg: "ES384"}
	err := cmd.Run(s.ctl)
	s.EqualError(err, "EC curve P-256 can not be used with ES384, P-384 required")
	s.True(jwt.IsKind(err, jwt.KindInvalidKeyMaterial))

	res := s.checkResult()
	s.False(res.Valid)
	s.False(res.Private)
	s.Equal("ES384", res.Algorithm)
	s.Equal(err.Error(), res.Reason)
}

func (s *testSuite) TestKeyCheck_Secret() {
	cmd := KeyCheckCmd{Key: s.tmpdir + "/hmac.secret", Alg: "HS512"}
	s.Require().NoError(cmd.Run(s.ctl))

	res := s.checkResult()
	s.Equal(KeyCheckResult{Algorithm: "HS512", Type: "secret", Size: 512, Valid: true}, res)

	s.Out.Reset()
	file := s.writeFile("short.secret", []byte(testkeys.Secret(20)))
	err := (&KeyCheckCmd{Key: file, Alg: "HS256"}).Run(s.ctl)
	s.EqualError(err, "secret is too short for HS256: 20 bytes, required at least 32")

	s.Out.Reset()
	err = (&KeyCheckCmd{Key: s.tmpdir + "/ec.pem", Alg: "HS256"}).Run(s.ctl)
	s.EqualError(err, "asymmetric key supplied where secret expected for HS256")

	s.Out.Reset()
	err = (&KeyCheckCmd{Key: file, Alg: "RS256"}).Run(s.ctl)
	s.EqualError(err, "secret supplied where asymmetric key expected")
}

func (s *testSuite) TestKeyCheck_Errors() {
	err := (&KeyCheckCmd{Key: s.tmpdir + "/not_found.pem"}).Run(s.ctl)
	s.Require().Error(err)
	s.Contains(err.Error(), "unable to read key")

	err = (&KeyCheckCmd{Key: s.tmpdir + "/ec.pem", Encoding: "rot13"}).Run(s.ctl)
	s.EqualError(err, `unsupported encoding: "rot13"`)

	err = (&KeyCheckCmd{Key: s.tmpdir + "/ec.pem", Alg: "EdDSA"}).Run(s.ctl)
	s.EqualError(err, `unsupported algorithm: "EdDSA"`)
}
