package descriptor

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"

	"github.com/nekoguntai/sanctuary/internal/chain"
)

// Deriver turns a parsed descriptor into addresses for (chain, index)
// pairs. It is stateless and safe for concurrent use.
type Deriver struct {
	desc    *Descriptor
	network chain.Network
}

// NewDeriver creates a deriver for a descriptor on a network.
func NewDeriver(desc *Descriptor, network chain.Network) *Deriver {
	return &Deriver{desc: desc, network: network}
}

// Derive returns the address and its derivation path at (branch, index).
// Branch 0 is the external chain, 1 the internal change chain.
func (d *Deriver) Derive(branch, index uint32) (address, path string, err error) {
	path = fmt.Sprintf("%s/%d/%d", d.desc.Keys[0].BasePath(), branch, index)

	switch d.desc.Script {
	case ScriptWPKH:
		address, err = d.deriveWPKH(branch, index)
	case ScriptPKH:
		address, err = d.derivePKH(branch, index)
	case ScriptSHWPKH:
		address, err = d.deriveSHWPKH(branch, index)
	case ScriptTR:
		address, err = d.deriveTaproot(branch, index)
	case ScriptWSH:
		address, err = d.deriveMultisig(branch, index)
	default:
		err = fmt.Errorf("unsupported script type %s", d.desc.Script)
	}
	if err != nil {
		return "", "", fmt.Errorf("derive %s: %w", path, err)
	}
	return address, path, nil
}

func (d *Deriver) childKey(xpub string, branch, index uint32) (*hdkeychain.ExtendedKey, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("invalid extended key: %w", err)
	}
	key, err = key.Derive(branch)
	if err != nil {
		return nil, err
	}
	return key.Derive(index)
}

func (d *Deriver) derivePKH(branch, index uint32) (string, error) {
	key, err := d.childKey(d.desc.Keys[0].Xpub, branch, index)
	if err != nil {
		return "", err
	}
	addr, err := key.Address(d.network.Params())
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func (d *Deriver) deriveWPKH(branch, index uint32) (string, error) {
	key, err := d.childKey(d.desc.Keys[0].Xpub, branch, index)
	if err != nil {
		return "", err
	}
	pubKey, err := key.ECPubKey()
	if err != nil {
		return "", err
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()), d.network.Params())
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func (d *Deriver) deriveSHWPKH(branch, index uint32) (string, error) {
	key, err := d.childKey(d.desc.Keys[0].Xpub, branch, index)
	if err != nil {
		return "", err
	}
	pubKey, err := key.ECPubKey()
	if err != nil {
		return "", err
	}
	witness, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()), d.network.Params())
	if err != nil {
		return "", err
	}
	script, err := txscript.PayToAddrScript(witness)
	if err != nil {
		return "", err
	}
	addr, err := btcutil.NewAddressScriptHash(script, d.network.Params())
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func (d *Deriver) deriveTaproot(branch, index uint32) (string, error) {
	key, err := d.childKey(d.desc.Keys[0].Xpub, branch, index)
	if err != nil {
		return "", err
	}
	pubKey, err := key.ECPubKey()
	if err != nil {
		return "", err
	}
	// BIP-86 key-path only output
	taprootKey := txscript.ComputeTaprootKeyNoScript(pubKey)
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(taprootKey), d.network.Params())
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// deriveMultisig derives each cosigner key at (branch, index), sorts the
// compressed pubkeys when the descriptor says sortedmulti, and wraps the
// m-of-n script as P2WSH.
func (d *Deriver) deriveMultisig(branch, index uint32) (string, error) {
	pubKeysBytes := make([][]byte, 0, len(d.desc.Keys))
	for _, k := range d.desc.Keys {
		key, err := d.childKey(k.Xpub, branch, index)
		if err != nil {
			return "", err
		}
		pubKey, err := key.ECPubKey()
		if err != nil {
			return "", err
		}
		serialized := pubKey.SerializeCompressed()
		if len(serialized) != 33 {
			return "", fmt.Errorf("unexpected pubkey length %d", len(serialized))
		}
		pubKeysBytes = append(pubKeysBytes, serialized)
	}

	if d.desc.Sorted {
		sort.Slice(pubKeysBytes, func(i, j int) bool {
			return bytes.Compare(pubKeysBytes[i], pubKeysBytes[j]) < 0
		})
	}

	pubKeys := make([]*btcutil.AddressPubKey, 0, len(pubKeysBytes))
	for _, raw := range pubKeysBytes {
		addrPub, err := btcutil.NewAddressPubKey(raw, d.network.Params())
		if err != nil {
			return "", err
		}
		pubKeys = append(pubKeys, addrPub)
	}

	script, err := txscript.MultiSigScript(pubKeys, d.desc.Threshold)
	if err != nil {
		return "", err
	}

	witnessProgram := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(witnessProgram[:], d.network.Params())
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}
