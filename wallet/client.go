package wallet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/ecash/api"
)

func GetTiers(guardianURL string) (*api.GetTiersResponse, error) {
	var tiersRes api.GetTiersResponse
	if err := getJson(guardianURL+"/v1/tiers", &tiersRes); err != nil {
		return nil, err
	}
	return &tiersRes, nil
}

func PostMint(guardianURL string, mintRequest api.PostMintRequest) (*api.PostMintResponse, error) {
	var mintRes api.PostMintResponse
	if err := postJson(guardianURL+"/v1/mint", mintRequest, &mintRes); err != nil {
		return nil, err
	}
	return &mintRes, nil
}

func GetMintOutcome(guardianURL string, id ecash.OutputId) (*api.GetMintResponse, error) {
	var outcome api.GetMintResponse
	if err := getJson(guardianURL+"/v1/mint/"+id.String(), &outcome); err != nil {
		return nil, err
	}
	return &outcome, nil
}

func PostRedeem(guardianURL string, redeemRequest api.PostRedeemRequest) (*api.PostRedeemResponse, error) {
	var redeemRes api.PostRedeemResponse
	if err := postJson(guardianURL+"/v1/redeem", redeemRequest, &redeemRes); err != nil {
		return nil, err
	}
	return &redeemRes, nil
}

func PostCheckState(guardianURL string, stateRequest api.PostCheckStateRequest) (*api.PostCheckStateResponse, error) {
	var stateRes api.PostCheckStateResponse
	if err := postJson(guardianURL+"/v1/checkstate", stateRequest, &stateRes); err != nil {
		return nil, err
	}
	return &stateRes, nil
}

func PostBackup(guardianURL string, backup ecash.SignedBackupRequest) error {
	return postJson(guardianURL+"/v1/backup", backup, nil)
}

func GetBackup(guardianURL string, ownerKey []byte) (*ecash.SignedBackupRequest, error) {
	var backup ecash.SignedBackupRequest
	if err := getJson(guardianURL+"/v1/backup/"+ecash.HexBytes(ownerKey).String(), &backup); err != nil {
		return nil, err
	}
	return &backup, nil
}

func PostRestore(guardianURL string, restoreRequest api.PostRestoreRequest) (*api.PostRestoreResponse, error) {
	var restoreRes api.PostRestoreResponse
	if err := postJson(guardianURL+"/v1/restore", restoreRequest, &restoreRes); err != nil {
		return nil, err
	}
	return &restoreRes, nil
}

func getJson(url string, dst any) error {
	resp, err := get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeBody(resp, dst)
}

func postJson(url string, request any, dst any) error {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("json.Marshal: %v", err)
	}

	resp, err := httpPost(url, "application/json", bytes.NewBuffer(requestBody))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeBody(resp, dst)
}

func decodeBody(resp *http.Response, dst any) error {
	if dst == nil {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("error reading response from guardian: %v", err)
	}
	return nil
}

func get(url string) (*http.Response, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}

	return parse(resp)
}

func httpPost(url, contentType string, body io.Reader) (*http.Response, error) {
	resp, err := http.Post(url, contentType, body)
	if err != nil {
		return nil, err
	}

	return parse(resp)
}

func parse(response *http.Response) (*http.Response, error) {
	if response.StatusCode == http.StatusBadRequest || response.StatusCode == http.StatusNotFound {
		defer response.Body.Close()
		var errResponse ecash.Error
		err := json.NewDecoder(response.Body).Decode(&errResponse)
		if err != nil {
			return nil, fmt.Errorf("could not decode error response from guardian: %v", err)
		}
		return nil, errResponse
	}

	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()
		body, err := io.ReadAll(response.Body)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s", body)
	}

	return response, nil
}
