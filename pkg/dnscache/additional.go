package dnscache

import (
	"strings"
	"time"

	"github.com/miekg/dns"
)

// glueTypes is the set of question/record types whose answers warrant an
// additional section carrying address records for their targets.
var glueTypes = map[uint16]bool{
	dns.TypeNS:    true,
	dns.TypeMX:    true,
	dns.TypeSRV:   true,
	dns.TypeSVCB:  true,
	dns.TypeHTTPS: true,
}

// lookupFunc fetches the live records cached for (owner, type); it is
// how additional-section synthesis and DS attachment reach back into
// the manager without importing it directly.
type lookupFunc func(owner string, qtype uint16) []*Record

// targetName extracts the name a glue-bearing record points at.
func targetName(r *Record) (name string, isSVCB bool, priority uint16) {
	switch rr := r.RR.(type) {
	case *dns.NS:
		return rr.Ns, false, 0
	case *dns.MX:
		return rr.Mx, false, 0
	case *dns.SRV:
		return rr.Target, false, 0
	case *dns.SVCB:
		return rr.Target, true, rr.Priority
	case *dns.HTTPS:
		return rr.Target, true, rr.Priority
	default:
		return "", false, 0
	}
}

// buildAdditional implements get_additional_records: for each reference
// record requiring glue, either reuses attached non-stale glue or
// resolves the target iteratively via lookup, bounded by MaxCNAMEHops.
func buildAdditional(refs []*Record, now time.Time, dnssecOK bool, lookup lookupFunc) []*Record {
	var out []*Record
	for _, ref := range refs {
		if ref.RR == nil || !glueTypes[ref.RR.Header().Rrtype] {
			continue
		}

		if ref.Info != nil && len(ref.Info.Glue) > 0 {
			anyStale := false
			for _, g := range ref.Info.Glue {
				if g.IsStale(now) {
					anyStale = true
					break
				}
			}
			if !anyStale {
				out = append(out, ref.Info.Glue...)
				if dnssecOK {
					for _, g := range ref.Info.Glue {
						out = append(out, g.Info.RRSIG...)
					}
				}
				continue
			}
		}

		out = append(out, resolveGlue(ref, now, lookup)...)
	}
	return out
}

// resolveGlue walks SVCB/HTTPS alias chains and fetches A/AAAA records
// for NS/MX/SRV targets and SVCB/HTTPS service-mode targets.
func resolveGlue(ref *Record, now time.Time, lookup lookupFunc) []*Record {
	name, isSVCBFamily, priority := targetName(ref)
	if name == "" {
		return nil
	}

	if isSVCBFamily && priority == 0 {
		return resolveSVCBAlias(ref, name, lookup)
	}

	if isSVCBFamily {
		// ServiceMode: TargetName "." means "use the record's own owner".
		if name == "." {
			name = ref.RR.Header().Name
		}
	}

	var out []*Record
	out = append(out, lookup(name, dns.TypeA)...)
	out = append(out, lookup(name, dns.TypeAAAA)...)
	return out
}

// resolveSVCBAlias follows an AliasMode SVCB/HTTPS chain (SvcPriority ==
// 0), detecting loops by scanning already-accumulated records, and
// terminating on a TargetName of "." or equal to the record's own owner
// ("service unavailable", per spec §4.3.3).
func resolveSVCBAlias(start *Record, firstTarget string, lookup lookupFunc) []*Record {
	var out []*Record
	seen := map[string]bool{strings.ToLower(start.RR.Header().Name): true}

	target := firstTarget
	for hop := 0; hop < MaxCNAMEHops; hop++ {
		target = strings.ToLower(target)
		if target == "." || target == strings.ToLower(start.RR.Header().Name) {
			return out
		}
		if seen[target] {
			return out
		}
		seen[target] = true

		svcb := lookup(target, dns.TypeSVCB)
		if svcb == nil {
			svcb = lookup(target, dns.TypeHTTPS)
		}
		next := firstOf(svcb)
		if next == nil {
			out = append(out, lookup(target, dns.TypeA)...)
			out = append(out, lookup(target, dns.TypeAAAA)...)
			return out
		}
		out = append(out, next)
		nextName, _, nextPriority := targetName(next)
		if nextPriority != 0 {
			out = append(out, lookup(nextName, dns.TypeA)...)
			out = append(out, lookup(nextName, dns.TypeAAAA)...)
			return out
		}
		target = nextName
	}
	return out
}

func firstOf(recs []*Record) *Record {
	if len(recs) == 0 {
		return nil
	}
	return recs[0]
}

// attachDSRecords implements add_ds_records_to: appends DS records for
// the delegation zone if present, or the first NS record's carried
// NSEC/NSEC3 proof-of-no-DS otherwise.
func attachDSRecords(authority *[]*Record, delegationOwner string, nsRecords []*Record, lookup lookupFunc) {
	ds := lookup(delegationOwner, dns.TypeDS)
	if len(ds) > 0 {
		*authority = append(*authority, ds...)
		return
	}
	if len(nsRecords) == 0 {
		return
	}
	if info := nsRecords[0].Info; info != nil {
		*authority = append(*authority, info.NSEC...)
	}
}
