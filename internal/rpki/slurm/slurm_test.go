package slurm

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpkilab/relyd/internal/rpki/vrp"
)

const sampleDoc = `{
  "slurmVersion": 1,
  "validationOutputFilters": {
    "prefixFilters": [
      {"prefix": "192.0.2.0/24", "comment": "drop this block"},
      {"asn": 64512, "comment": "drop everything from this AS"}
    ],
    "bgpsecFilters": []
  },
  "locallyAddedAssertions": {
    "prefixAssertions": [
      {"asn": 64500, "prefix": "198.51.100.0/24", "maxPrefixLength": 32, "comment": "local override"}
    ],
    "bgpsecAssertions": []
  }
}`

func TestParse(t *testing.T) {
	d, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)
	require.Len(t, d.prefixFilters, 2)
	require.Len(t, d.prefixAssertions, 1)
}

func TestIsVRPFilteredByPrefix(t *testing.T) {
	d, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	filtered := vrp.VRP{ASN: 1, Prefix: netip.MustParsePrefix("192.0.2.0/25"), MaxLength: 25}
	require.True(t, d.IsVRPFiltered(filtered))

	unaffected := vrp.VRP{ASN: 2, Prefix: netip.MustParsePrefix("203.0.113.0/24"), MaxLength: 24}
	require.False(t, d.IsVRPFiltered(unaffected))
}

func TestIsVRPFilteredByASN(t *testing.T) {
	d, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	v := vrp.VRP{ASN: 64512, Prefix: netip.MustParsePrefix("203.0.113.0/24"), MaxLength: 24}
	require.True(t, d.IsVRPFiltered(v))
}

func TestApplyFiltersThenAsserts(t *testing.T) {
	d, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	vrps := []vrp.VRP{
		{ASN: 1, Prefix: netip.MustParsePrefix("192.0.2.0/25"), MaxLength: 25}, // filtered out
		{ASN: 2, Prefix: netip.MustParsePrefix("203.0.113.0/24"), MaxLength: 24},
	}

	out, _ := Apply(d, vrps, nil)
	require.Len(t, out, 2) // one survivor + one assertion
	var prefixes []string
	for _, v := range out {
		prefixes = append(prefixes, v.Prefix.String())
	}
	require.Contains(t, prefixes, "203.0.113.0/24")
	require.Contains(t, prefixes, "198.51.100.0/24")
}

func TestApplyAssertionWinsOverReal(t *testing.T) {
	d, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	real := vrp.VRP{ASN: 64500, Prefix: netip.MustParsePrefix("198.51.100.0/24"), MaxLength: 32}
	out, _ := Apply(d, []vrp.VRP{real}, nil)
	require.Len(t, out, 1)
	require.Equal(t, uint8(32), out[0].MaxLength)
}

func TestParseRejectsFilterWithNeitherField(t *testing.T) {
	_, err := Parse([]byte(`{"validationOutputFilters":{"prefixFilters":[{"comment":"useless"}]}}`))
	require.Error(t, err)
}
