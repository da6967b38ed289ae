package entity

import (
	"context"

	"github.com/meridian-clinical/registry/pkg/common/logger"
	"github.com/meridian-clinical/registry/pkg/docfile"
	"github.com/meridian-clinical/registry/pkg/identity"
	"github.com/meridian-clinical/registry/pkg/normalize"
)

// AliasLookup resolves a learned variant of a normalized name to its
// canonical form. Consulted read-only during resolution.
type AliasLookup interface {
	Canonical(ctx context.Context, kind, variant string) (string, bool, error)
}

// Resolver maps effective field values onto existing or new canonical
// entities. Ambiguous lookups create a new entity rather than guessing:
// false separation is recoverable through the merge-candidates report,
// false merging is not.
type Resolver struct {
	repo    *Repository
	norm    *normalize.Normalizer
	aliases AliasLookup
}

func NewResolver(repo *Repository, norm *normalize.Normalizer, aliases AliasLookup) *Resolver {
	return &Resolver{repo: repo, norm: norm, aliases: aliases}
}

// SubjectMention carries one document page's effective subject values.
// Authoritative, when set, is the identity derived from the document's
// external id and takes precedence over the content-derived name and date.
type SubjectMention struct {
	FullName      string
	IdentityDate  string
	Address       docfile.AddressBlock
	Phones        docfile.Phones
	Authoritative *identity.Identity
}

// ResolveSubject returns the canonical subject for a mention, creating one
// when no dedup key matches. A nil subject with nil error means the mention
// carries no resolvable identity at all.
func (r *Resolver) ResolveSubject(ctx context.Context, m SubjectMention) (*Subject, error) {
	fullName := m.FullName
	identityDate := m.IdentityDate
	if m.Authoritative != nil {
		fullName = m.Authoritative.FullName
		identityDate = m.Authoritative.IdentityDate
	}

	key := r.norm.Name(fullName)
	if key == "" {
		return nil, nil
	}

	subject, err := r.lookupSubject(ctx, key, identityDate)
	if err != nil {
		return nil, err
	}

	if subject == nil {
		canonical, err := r.aliasedKey(ctx, AliasKindSubject, key)
		if err != nil {
			return nil, err
		}
		if canonical != "" {
			subject, err = r.lookupSubject(ctx, canonical, identityDate)
			if err != nil {
				return nil, err
			}
			if subject != nil {
				logger.WithFields(map[string]interface{}{
					"variant":   key,
					"canonical": canonical,
				}).Debug("subject resolved through alias")
			}
		}
	}

	if subject != nil {
		mergeSubjectFields(subject, identityDate, m)
		if err := r.repo.SaveSubject(ctx, subject); err != nil {
			return nil, err
		}
		return subject, nil
	}

	subject = &Subject{
		FullName:       fullName,
		NormalizedName: key,
		IdentityDate:   identityDate,
		AddressLine1:   m.Address.Line1,
		AddressLine2:   m.Address.Line2,
		City:           m.Address.City,
		County:         m.Address.County,
		Postcode:       m.Address.Postcode,
		PhoneHome:      m.Phones.Home,
		PhoneWork:      m.Phones.Work,
		PhoneMobile:    m.Phones.Mobile,
	}
	if err := r.repo.CreateSubject(ctx, subject); err != nil {
		return nil, err
	}
	return subject, nil
}

// lookupSubject applies the dedup key policy: exact (name, date) when the
// date is known, otherwise the name alone but only when exactly one subject
// carries it. Multiple dateless matches are structurally ambiguous and
// resolve to no match.
func (r *Resolver) lookupSubject(ctx context.Context, key, identityDate string) (*Subject, error) {
	if identityDate != "" {
		subject, err := r.repo.FindSubjectByKey(ctx, key, identityDate)
		if err == ErrNoMatch {
			return nil, nil
		}
		return subject, err
	}

	subjects, err := r.repo.FindSubjectsByName(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(subjects) == 1 {
		return &subjects[0], nil
	}
	return nil, nil
}

// CounterpartyMention carries one effective counterparty occurrence.
type CounterpartyMention struct {
	Name         string
	Kind         string
	Organization string
	Address      string
	Postcode     string
	Code         string
}

// ResolveCounterparty returns the canonical counterparty, preferring the
// stable external code over name-based matching when one is available.
func (r *Resolver) ResolveCounterparty(ctx context.Context, m CounterpartyMention) (*Counterparty, error) {
	key := r.norm.Name(m.Name)
	if key == "" {
		return nil, nil
	}

	var cp *Counterparty
	var err error

	if m.Code != "" {
		cp, err = r.repo.FindCounterpartyByCode(ctx, m.Code)
		if err != nil && err != ErrNoMatch {
			return nil, err
		}
	}

	if cp == nil {
		cp, err = r.repo.FindCounterpartyByKey(ctx, key, m.Kind)
		if err != nil && err != ErrNoMatch {
			return nil, err
		}
	}

	if cp == nil {
		canonical, err := r.aliasedKey(ctx, AliasKindCounterparty, key)
		if err != nil {
			return nil, err
		}
		if canonical != "" {
			cp, err = r.repo.FindCounterpartyByKey(ctx, canonical, m.Kind)
			if err != nil && err != ErrNoMatch {
				return nil, err
			}
		}
	}

	if cp != nil {
		mergeCounterpartyFields(cp, m)
		if err := r.repo.SaveCounterparty(ctx, cp); err != nil {
			return nil, err
		}
		return cp, nil
	}

	cp = &Counterparty{
		Kind:           m.Kind,
		FullName:       m.Name,
		NormalizedName: key,
		Organization:   m.Organization,
		Address:        m.Address,
		Postcode:       m.Postcode,
		ExternalCode:   m.Code,
	}
	if err := r.repo.CreateCounterparty(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func (r *Resolver) aliasedKey(ctx context.Context, kind, key string) (string, error) {
	if r.aliases == nil {
		return "", nil
	}
	canonical, ok, err := r.aliases.Canonical(ctx, kind, key)
	if err != nil || !ok || canonical == key {
		return "", err
	}
	return canonical, nil
}

// Merge-in: a newly-seen non-empty value becomes the best-known one; an
// empty value never overwrites a known field.
func mergeSubjectFields(subject *Subject, identityDate string, m SubjectMention) {
	if subject.IdentityDate == "" && identityDate != "" {
		subject.IdentityDate = identityDate
	}
	fill(&subject.AddressLine1, m.Address.Line1)
	fill(&subject.AddressLine2, m.Address.Line2)
	fill(&subject.City, m.Address.City)
	fill(&subject.County, m.Address.County)
	fill(&subject.Postcode, m.Address.Postcode)
	fill(&subject.PhoneHome, m.Phones.Home)
	fill(&subject.PhoneWork, m.Phones.Work)
	fill(&subject.PhoneMobile, m.Phones.Mobile)
}

func mergeCounterpartyFields(cp *Counterparty, m CounterpartyMention) {
	fill(&cp.Organization, m.Organization)
	fill(&cp.Address, m.Address)
	fill(&cp.Postcode, m.Postcode)
	fill(&cp.ExternalCode, m.Code)
}

func fill(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
