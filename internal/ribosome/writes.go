package ribosome

import (
	"fmt"

	"github.com/holo/conductor/internal/holo"
)

// Create stages a new app entry, returning its to-be action hash.
func (r *Ribosome) Create(ictx InvocationContext, zome, function string, entryTypeIndex uint32, visibility holo.Visibility, appBytes []byte) (holo.Hash, error) {
	if err := r.permit(HostCreate, ictx, zome, function); err != nil {
		return holo.Hash{}, err
	}
	entry := holo.Entry{Kind: holo.EntryApp, EntryTypeIndex: entryTypeIndex, Visibility: visibility, AppBytes: appBytes}
	entryHash, err := entry.Hash()
	if err != nil {
		return holo.Hash{}, fmt.Errorf("ribosome: hash entry: %w", err)
	}
	seq, prev := r.scratch.nextSeqAndPrev()
	a := holo.Action{
		Kind: holo.ActionCreate, Author: r.Agent, Timestamp: holo.NewTimestamp(),
		ActionSeq: seq, PrevAction: prev,
		EntryType: entryTypeIndex, EntryHash: entryHash,
	}
	return r.scratch.stage(a, &entry), nil
}

// Update stages a new entry that supersedes originalAction/originalEntry.
func (r *Ribosome) Update(ictx InvocationContext, zome, function string, originalAction, originalEntry holo.Hash, entryTypeIndex uint32, visibility holo.Visibility, appBytes []byte) (holo.Hash, error) {
	if err := r.permit(HostUpdate, ictx, zome, function); err != nil {
		return holo.Hash{}, err
	}
	entry := holo.Entry{Kind: holo.EntryApp, EntryTypeIndex: entryTypeIndex, Visibility: visibility, AppBytes: appBytes}
	entryHash, err := entry.Hash()
	if err != nil {
		return holo.Hash{}, fmt.Errorf("ribosome: hash entry: %w", err)
	}
	seq, prev := r.scratch.nextSeqAndPrev()
	a := holo.Action{
		Kind: holo.ActionUpdate, Author: r.Agent, Timestamp: holo.NewTimestamp(),
		ActionSeq: seq, PrevAction: prev,
		EntryType: entryTypeIndex, EntryHash: entryHash,
		OriginalAction: originalAction, OriginalEntry: originalEntry,
	}
	return r.scratch.stage(a, &entry), nil
}

// Delete stages a tombstone for deletesAction/deletesEntry.
func (r *Ribosome) Delete(ictx InvocationContext, zome, function string, deletesAction, deletesEntry holo.Hash) (holo.Hash, error) {
	if err := r.permit(HostDelete, ictx, zome, function); err != nil {
		return holo.Hash{}, err
	}
	seq, prev := r.scratch.nextSeqAndPrev()
	a := holo.Action{
		Kind: holo.ActionDelete, Author: r.Agent, Timestamp: holo.NewTimestamp(),
		ActionSeq: seq, PrevAction: prev,
		DeletesAction: deletesAction, DeletesEntry: deletesEntry,
	}
	return r.scratch.stage(a, nil), nil
}

// CreateLink stages a link from base to target.
func (r *Ribosome) CreateLink(ictx InvocationContext, zome, function string, base, target holo.Hash, zomeIndex, linkType uint8, tag []byte) (holo.Hash, error) {
	if err := r.permit(HostCreateLink, ictx, zome, function); err != nil {
		return holo.Hash{}, err
	}
	seq, prev := r.scratch.nextSeqAndPrev()
	a := holo.Action{
		Kind: holo.ActionCreateLink, Author: r.Agent, Timestamp: holo.NewTimestamp(),
		ActionSeq: seq, PrevAction: prev,
		Base: base, Target: target, ZomeIndex: zomeIndex, LinkType: linkType, Tag: tag,
	}
	return r.scratch.stage(a, nil), nil
}

// DeleteLink stages a tombstone for a previously created link.
func (r *Ribosome) DeleteLink(ictx InvocationContext, zome, function string, createLinkAction holo.Hash) (holo.Hash, error) {
	if err := r.permit(HostDeleteLink, ictx, zome, function); err != nil {
		return holo.Hash{}, err
	}
	seq, prev := r.scratch.nextSeqAndPrev()
	a := holo.Action{
		Kind: holo.ActionDeleteLink, Author: r.Agent, Timestamp: holo.NewTimestamp(),
		ActionSeq: seq, PrevAction: prev,
		CreateLinkAction: createLinkAction,
	}
	return r.scratch.stage(a, nil), nil
}
