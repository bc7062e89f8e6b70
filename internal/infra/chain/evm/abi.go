package evm

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed abis/*.json
var abiFS embed.FS

func loadABI(name string) (abi.ABI, error) {
	raw, err := abiFS.ReadFile("abis/" + name)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("read abi %s: %w", name, err)
	}
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi %s: %w", name, err)
	}
	return parsed, nil
}

// ABIs are the contract interfaces the watcher decodes and calls.
type ABIs struct {
	ClankerFactory   abi.ABI
	CrowdfundFactory abi.ABI
	Crowdfund        abi.ABI
}

// LoadABIs parses the embedded contract ABIs.
func LoadABIs() (*ABIs, error) {
	var out ABIs
	var err error
	if out.ClankerFactory, err = loadABI("clanker_factory.json"); err != nil {
		return nil, err
	}
	if out.CrowdfundFactory, err = loadABI("crowdfund_factory.json"); err != nil {
		return nil, err
	}
	if out.Crowdfund, err = loadABI("crowdfund.json"); err != nil {
		return nil, err
	}
	return &out, nil
}
