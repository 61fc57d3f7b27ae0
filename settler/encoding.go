package settler

import (
	"log"

	"cosmossdk.io/x/tx/decode"
	"cosmossdk.io/x/tx/signing"
	wasmtypes "github.com/CosmWasm/wasmd/x/wasm/types"
	"github.com/cosmos/cosmos-sdk/codec"
	"github.com/cosmos/cosmos-sdk/codec/address"
	codectypes "github.com/cosmos/cosmos-sdk/codec/types"
	cryptocodec "github.com/cosmos/cosmos-sdk/crypto/codec"
	"github.com/cosmos/cosmos-sdk/std"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/cosmos/cosmos-sdk/types/tx"
	authtypes "github.com/cosmos/cosmos-sdk/x/auth/types"
	banktypes "github.com/cosmos/cosmos-sdk/x/bank/types"
	"github.com/cosmos/gogoproto/proto"
)

// EncodingConfig bundles the proto codec pieces needed to read LCD responses
// and unpack wasm execute messages from destination-chain transactions.
type EncodingConfig struct {
	InterfaceRegistry codectypes.InterfaceRegistry
	Marshaler         codec.Codec
}

func MakeEncodingConfig() EncodingConfig {
	interfaceRegistry, err := codectypes.NewInterfaceRegistryWithOptions(codectypes.InterfaceRegistryOptions{
		ProtoFiles: proto.HybridResolver,
		SigningOptions: signing.Options{
			AddressCodec: address.Bech32Codec{
				Bech32Prefix: sdk.GetConfig().GetBech32AccountAddrPrefix(),
			},
			ValidatorAddressCodec: address.Bech32Codec{
				Bech32Prefix: sdk.GetConfig().GetBech32ValidatorAddrPrefix(),
			},
		},
	})
	if err != nil {
		panic(err)
	}

	cdc := codec.NewProtoCodec(interfaceRegistry)

	std.RegisterInterfaces(interfaceRegistry)
	banktypes.RegisterInterfaces(interfaceRegistry)
	authtypes.RegisterInterfaces(interfaceRegistry)
	cryptocodec.RegisterInterfaces(interfaceRegistry)
	wasmtypes.RegisterInterfaces(interfaceRegistry)
	tx.RegisterInterfaces(interfaceRegistry)

	return EncodingConfig{
		InterfaceRegistry: interfaceRegistry,
		Marshaler:         cdc,
	}
}

// MustInitDecoder builds a raw tx decoder for the given bech32 prefix so
// execution transactions can be unpacked down to the wasm execute payload.
func MustInitDecoder(bech32Prefix string) *decode.Decoder {
	signingCtx, err := signing.NewContext(signing.Options{
		AddressCodec: address.Bech32Codec{
			Bech32Prefix: bech32Prefix,
		},
		ValidatorAddressCodec: address.Bech32Codec{
			Bech32Prefix: bech32Prefix + "valoper",
		},
	})
	if err != nil {
		log.Fatal("failed creating signing context", err)
	}
	decoder, err := decode.NewDecoder(decode.Options{
		SigningContext: signingCtx,
	})
	if err != nil {
		log.Fatal("failed creating decoder", err)
	}
	return decoder
}
