package settle

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const registryABIJSON = `[
{"type":"function","name":"stakeAmount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"nodes","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[
 {"name":"ipAddress","type":"string"},
 {"name":"totalCapacity","type":"uint256"},
 {"name":"freeCapacity","type":"uint256"},
 {"name":"reputation","type":"uint256"},
 {"name":"lastHeartbeat","type":"uint256"},
 {"name":"isMobile","type":"bool"},
 {"name":"isRegistered","type":"bool"},
 {"name":"stakeLocked","type":"bool"}]},
{"type":"function","name":"getAllNodes","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
{"type":"function","name":"registerNode","stateMutability":"nonpayable","inputs":[
 {"name":"_ipAddress","type":"string"},
 {"name":"_totalCapacity","type":"uint256"},
 {"name":"_isMobile","type":"bool"}],"outputs":[]},
{"type":"function","name":"ping","stateMutability":"nonpayable","inputs":[],"outputs":[]},
{"type":"function","name":"updateEndpoint","stateMutability":"nonpayable","inputs":[{"name":"_newIp","type":"string"}],"outputs":[]}
]`

const fileABIJSON = `[
{"type":"function","name":"registerFile","stateMutability":"nonpayable","inputs":[
 {"name":"_cid","type":"string"},
 {"name":"_fileName","type":"string"},
 {"name":"_fileType","type":"string"},
 {"name":"_size","type":"uint256"},
 {"name":"_hosts","type":"address[]"},
 {"name":"_replicationFactor","type":"uint256"}],"outputs":[]},
{"type":"function","name":"shareFile","stateMutability":"nonpayable","inputs":[
 {"name":"_cid","type":"string"},
 {"name":"_recipient","type":"address"}],"outputs":[]},
{"type":"function","name":"getFile","stateMutability":"view","inputs":[{"name":"_cid","type":"string"}],"outputs":[
 {"name":"cid","type":"string"},
 {"name":"fileName","type":"string"},
 {"name":"fileType","type":"string"},
 {"name":"size","type":"uint256"},
 {"name":"hosts","type":"address[]"},
 {"name":"owner","type":"address"},
 {"name":"replicationFactor","type":"uint256"},
 {"name":"sharedWith","type":"address[]"}]},
{"type":"event","name":"FileRegistered","anonymous":false,"inputs":[
 {"name":"cid","type":"string","indexed":false},
 {"name":"fileName","type":"string","indexed":false},
 {"name":"owner","type":"address","indexed":true}]}
]`

const erc20ABIJSON = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	RegistryABI = mustABI(registryABIJSON)
	FileABI     = mustABI(fileABIJSON)
	ERC20ABI    = mustABI(erc20ABIJSON)
)

func mustABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}
