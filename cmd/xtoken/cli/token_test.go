package cli

import (
	"encoding/json"
	"strings"

	"github.com/effective-security/xtoken/jwt"
	jose "github.com/go-jose/go-jose/v3"
)

func (s *testSuite) TestSignVerify() {
	c := s.newCli("hmac.yaml")

	cmd := SignCmd{
		Alg:    "HS512",
		Iss:    "xtoken",
		Sub:    "user_1",
		Aud:    []string{"api", "web"},
		Claims: `{"role":"admin","n":42}`,
		Jti:    true,
	}
	s.Require().NoError(cmd.Run(c))
	token := s.token()
	s.Len(strings.Split(token, "."), 3)

	s.Out.Reset()
	verify := VerifyCmd{Token: token, Skew: "30s"}
	s.Require().NoError(verify.Run(c))

	var res TokenResult
	s.Require().NoError(json.Unmarshal(s.Out.Bytes(), &res))
	s.Equal(jwt.HS512, res.Header.Algorithm)
	s.Equal("user_1", res.Claims.String("sub"))
	s.Equal("admin", res.Claims.String("role"))
	s.NotEmpty(res.Claims.String("jti"))
	s.Equal([]any{"api", "web"}, res.Claims["aud"])

	iat, ok := res.Claims.Number("iat")
	s.Require().True(ok)
	exp, ok := res.Claims.Number("exp")
	s.Require().True(ok)
	s.Equal(float64(600), exp-iat)

	s.Require().NotNil(res.IssuedAt)
	s.Require().NotNil(res.NotBefore)
	s.Require().NotNil(res.Expires)
	s.Equal(int64(iat), res.IssuedAt.Unix())
	s.Equal(int64(iat), res.NotBefore.Unix())
	s.Equal(int64(exp), res.Expires.Unix())
}

func (s *testSuite) TestSign_DefaultAlgorithm() {
	c := s.newCli("ec.yaml")

	cmd := SignCmd{Sub: "user_1", Exp: "1h", Nbf: "-10s"}
	s.Require().NoError(cmd.Run(c))

	dec, err := jwt.Decode(s.token())
	s.Require().NoError(err)
	s.Equal(jwt.ES256, dec.Header.Algorithm)

	iat, _ := dec.Claims.Number("iat")
	exp, _ := dec.Claims.Number("exp")
	nbf, _ := dec.Claims.Number("nbf")
	s.Equal(float64(3600), exp-iat)
	s.Equal(float64(-10), nbf-iat)
}

func (s *testSuite) TestSign_Errors() {
	c := s.newCli("hmac.yaml")

	err := (&SignCmd{Sub: "user_1"}).Run(c)
	s.EqualError(err, `invalid claims: iss: must be "xtoken"`)

	err = (&SignCmd{Iss: "xtoken", Alg: "ES256"}).Run(c)
	s.EqualError(err, "algorithm ES256 is not enabled for local backend")

	err = (&SignCmd{Iss: "xtoken", Alg: "none"}).Run(c)
	s.EqualError(err, `unsupported algorithm: "none"`)

	err = (&SignCmd{Iss: "xtoken", Claims: "[1,2]"}).Run(c)
	s.Require().Error(err)
	s.Contains(err.Error(), "unable to parse claims")

	err = (&SignCmd{Iss: "xtoken", Claims: "@" + s.tmpdir + "/not_found.json"}).Run(c)
	s.Require().Error(err)
	s.Contains(err.Error(), "unable to read claims")

	err = (&SignCmd{}).Run(s.newCli("not_found.yaml"))
	s.Require().Error(err)
	s.True(jwt.IsKind(err, jwt.KindBadConfig))
}

func (s *testSuite) TestSign_ClaimsFromStdin() {
	c := s.newCli("hmac.yaml")
	c.WithReader(strings.NewReader(`{"iss":"xtoken","sub":"stdin"}`))

	s.Require().NoError((&SignCmd{Claims: "-"}).Run(c))

	dec, err := jwt.Decode(s.token())
	s.Require().NoError(err)
	s.Equal("stdin", dec.Claims.String("sub"))
	s.Equal(jwt.HS256, dec.Header.Algorithm)
}

func (s *testSuite) TestVerify_Errors() {
	signer := s.newCli("ec.yaml")
	s.Require().NoError((&SignCmd{Sub: "user_1", Exp: "-1m"}).Run(signer))
	expired := s.token()

	verifier := s.newCli("ec_pub.json")
	err := (&VerifyCmd{Token: expired}).Run(verifier)
	s.EqualError(err, "invalid claims: exp: token is expired")
	s.True(jwt.IsKind(err, jwt.KindClaim))

	s.NoError((&VerifyCmd{Token: expired, Skew: "2m"}).Run(verifier))

	err = (&VerifyCmd{Token: expired, Skew: "whenever"}).Run(verifier)
	s.EqualError(err, `invalid skew: invalid duration: "whenever"`)

	tampered := expired[:len(expired)-4] + "AAAA"
	err = (&VerifyCmd{Token: tampered, Skew: "2m"}).Run(verifier)
	s.EqualError(err, "invalid signature")

	err = (&VerifyCmd{Token: "not.a.token"}).Run(verifier)
	s.True(jwt.IsKind(err, jwt.KindMalformedToken))

	// verify-only backend does not sign
	err = (&SignCmd{Sub: "user_1"}).Run(verifier)
	s.EqualError(err, "backend is configured for verification only")
}

func (s *testSuite) TestDecode() {
	c := s.newCli("hmac.yaml")
	s.Require().NoError((&SignCmd{Iss: "xtoken", Sub: "user_1"}).Run(c))
	token := s.token()

	s.Out.Reset()
	file := s.writeFile("token.txt", []byte(token+"\n"))
	s.Require().NoError((&DecodeCmd{Token: "@" + file}).Run(s.ctl))
	s.HasText(`"alg": "HS256"`, `"typ": "JWT"`, `"sub": "user_1"`, `"expires": "`)

	err := (&DecodeCmd{Token: "abc"}).Run(s.ctl)
	s.EqualError(err, "token must have three segments, found 1")
}

func (s *testSuite) TestJwks() {
	c := s.newCli("ec.yaml")
	s.Require().NoError((&JwksCmd{Kid: "k1"}).Run(c))

	var ks jose.JSONWebKeySet
	s.Require().NoError(json.Unmarshal(s.Out.Bytes(), &ks))
	s.Require().Len(ks.Keys, 1)
	s.Equal("k1", ks.Keys[0].KeyID)
	s.Equal("ES256", ks.Keys[0].Algorithm)
	s.True(ks.Keys[0].IsPublic())

	err := (&JwksCmd{}).Run(s.newCli("hmac.yaml"))
	s.EqualError(err, "local backend does not expose a public key")
}

func (s *testSuite) TestConfigOverrides() {
	c := s.newCli("ec.yaml")
	c.Algorithms = []string{"ES384"}
	_, err := c.Engine()
	s.EqualError(err, "EC curve P-256 can not be used with ES384, P-384 required")

	c = s.newCli("")
	c.Provider = "JWKS"
	_, err = c.Engine()
	s.EqualError(err, "url or public_key is required for JWKS backend")

	c = s.newCli("")
	_, err = c.Engine()
	s.EqualError(err, "use --cfg or --provider flag to specify the backend")
}
